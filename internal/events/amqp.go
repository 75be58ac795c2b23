package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-payguard/internal/domain"
)

// AMQPConfig параметры публикации в RabbitMQ.
type AMQPConfig struct {
	URL      string
	Exchange string
}

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher публикует записанные транзакции в topic exchange
// с ключом маршрутизации transaction.{approved|blocked}.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
	logger   *zap.Logger
}

func NewAMQPPublisher(cfg AMQPConfig, logger *zap.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp: url is required")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "payguard.transactions"
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("amqp: declare exchange %s: %w", exchange, err)
	}

	p := newAMQPPublisher(ch, exchange, logger)
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, exchange string, logger *zap.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With(zap.String("mod", "amqp-publisher")),
	}
}

// RoutingKey ключ маршрутизации для статуса транзакции.
func RoutingKey(status domain.TxStatus) string {
	return "transaction." + string(status)
}

func (p *AMQPPublisher) OnTransaction(ctx context.Context, ev TransactionEvent) {
	if ev.Transaction == nil {
		return
	}
	body, err := json.Marshal(newTransactionMessage(ev))
	if err != nil {
		p.logger.Error("marshal transaction message", zap.Error(err))
		return
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(pctx, p.exchange, RoutingKey(ev.Transaction.Status), false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     ev.Transaction.ID,
		CorrelationId: ev.TraceID,
		Timestamp:     time.Now(),
		Body:          body,
	})
	if err != nil {
		p.logger.Error("publish transaction failed",
			zap.String("trace_id", ev.TraceID),
			zap.Error(err),
		)
	}
}

func (p *AMQPPublisher) OnLog(context.Context, LogEvent) {}
func (p *AMQPPublisher) OnError(context.Context, ErrorEvent) {}

func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
