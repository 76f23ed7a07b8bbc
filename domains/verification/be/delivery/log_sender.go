//go:build devcodes

package delivery

import (
	"context"

	"go.uber.org/zap"

	platformlogging "github.com/zenGate-Global/palmyra-farmops/platform/go/logging"
)

// LogSender writes codes to the structured log. Only built for local stacks.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender constructs a LogSender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		panic("logger is required")
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	platformlogging.Or(ctx, s.logger).Info("verification code issued",
		zap.String("attempt_id", msg.AttemptID.String()),
		zap.String("channel", msg.Channel),
		zap.String("address", msg.Address),
		zap.String("code", msg.Code),
		zap.Time("expires_at", msg.ExpiresAt),
	)
	return nil
}

func logSender(logger *zap.Logger) (Sender, error) {
	sender := NewLogSender(logger)
	logger.Warn("verification codes are written to the log; never run this build in production")
	return sender, nil
}
