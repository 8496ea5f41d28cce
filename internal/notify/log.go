package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// LogSink writes every message to the structured log. Alarms log at warn,
// fatal messages at error.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink backed by logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("operator")}
}

// Name implements Sink.
func (*LogSink) Name() string { return "log" }

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, msg harvest.Message) error {
	fields := []zap.Field{
		zap.String("kind", string(msg.Kind)),
		zap.String("run_id", msg.RunID),
		zap.Time("at", msg.Time),
	}
	switch msg.Kind {
	case harvest.MessageChallenge, harvest.MessageSessionCrash, harvest.MessageIdentity:
		s.logger.Warn(msg.Text, fields...)
	case harvest.MessageFatal:
		s.logger.Error(msg.Text, fields...)
	default:
		s.logger.Info(msg.Text, fields...)
	}
	return nil
}

// Close implements Sink.
func (*LogSink) Close(context.Context) error { return nil }
