//go:build !devcodes

package delivery

import "go.uber.org/zap"

func logSender(*zap.Logger) (Sender, error) {
	return nil, ErrLogSenderDisabled
}
