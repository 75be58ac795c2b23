package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const publishTimeout = time.Second

// RedisPublisher публикует каждую записанную транзакцию в Pub/Sub канал.
// Ошибки публикации только логируются: решение уже принято и записано.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

func NewRedisPublisher(rdb *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With(zap.String("mod", "redis-publisher")),
	}
}

func (p *RedisPublisher) OnTransaction(ctx context.Context, ev TransactionEvent) {
	if ev.Transaction == nil {
		return
	}
	body, err := json.Marshal(newTransactionMessage(ev))
	if err != nil {
		p.logger.Error("marshal transaction message", zap.Error(err))
		return
	}

	// Отмена запроса клиентом не должна терять событие
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.rdb.Publish(pctx, p.channel, body).Err(); err != nil {
		p.logger.Error("publish transaction failed",
			zap.String("trace_id", ev.TraceID),
			zap.Error(err),
		)
	}
}

func (p *RedisPublisher) OnLog(context.Context, LogEvent) {}
func (p *RedisPublisher) OnError(context.Context, ErrorEvent) {}
