package events

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogObserver пишет события в zap.
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	return &LogObserver{logger: logger.Named("events")}
}

func (o *LogObserver) OnTransaction(_ context.Context, ev TransactionEvent) {
	fields := []zap.Field{
		zap.String("trace_id", ev.TraceID),
		zap.String("agent_id", ev.Request.AgentID),
		zap.String("service", ev.Request.Service),
		zap.String("amount", ev.Request.Amount.String()),
		zap.Bool("approved", ev.Result.Approved),
		zap.String("reason", ev.Result.Reason),
		zap.Duration("duration", ev.Duration),
	}
	if ev.Transaction == nil {
		o.logger.Debug("dry-run validation", fields...)
		return
	}
	fields = append(fields, zap.String("tx_id", ev.Transaction.ID))
	if ev.Result.Approved {
		o.logger.Info("transaction approved", fields...)
	} else {
		o.logger.Warn("transaction blocked", append(fields, zap.String("check", ev.Result.PolicyChecks.FailedCheck()))...)
	}
}

func (o *LogObserver) OnLog(_ context.Context, ev LogEvent) {
	level, err := zapcore.ParseLevel(ev.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	o.logger.Log(level, ev.Message,
		zap.String("trace_id", ev.TraceID),
		zap.String("agent_id", ev.AgentID),
	)
}

func (o *LogObserver) OnError(_ context.Context, ev ErrorEvent) {
	o.logger.Error("transaction failed",
		zap.String("trace_id", ev.TraceID),
		zap.String("agent_id", ev.AgentID),
		zap.String("kind", ev.Kind),
		zap.Error(ev.Err),
	)
}
