//go:build !devcodes

package delivery

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestLogSenderRequiresDevBuild(t *testing.T) {
	t.Parallel()

	_, err := New("log", zaptest.NewLogger(t), WebhookConfig{})
	require.ErrorIs(t, err, ErrLogSenderDisabled)
}
