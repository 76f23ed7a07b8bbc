package repo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zenGate-Global/palmyra-farmops/platform/go/persistence"
)

func TestMemoryRepositoryReplaceSupersedesLiveAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	r := NewMemoryRepository()
	now := time.Now()

	first, err := r.Replace(ctx, persistence.VerificationAttempt{
		AttemptID: uuid.New(), Channel: "sms", Address: "+15550001111",
		IssuedAt: now, ExpiresAt: now.Add(time.Minute), AttemptsRemaining: 2,
	})
	require.NoError(t, err)

	second, err := r.Replace(ctx, persistence.VerificationAttempt{
		AttemptID: uuid.New(), Channel: "sms", Address: "+15550001111",
		IssuedAt: now.Add(time.Second), ExpiresAt: now.Add(time.Minute), AttemptsRemaining: 2,
	})
	require.NoError(t, err)

	old, err := r.Get(ctx, first.AttemptID)
	require.NoError(t, err)
	require.NotNil(t, old.SupersededAt)

	live, err := r.Live(ctx, "sms", "+15550001111")
	require.NoError(t, err)
	require.Equal(t, second.AttemptID, live.AttemptID)

	_, err = r.Decrement(ctx, first.AttemptID)
	require.ErrorIs(t, err, persistence.ErrAttemptClosed)

	remaining, err := r.Decrement(ctx, second.AttemptID)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	require.NoError(t, r.Consume(ctx, second.AttemptID, now))
	require.ErrorIs(t, r.Consume(ctx, second.AttemptID, now), persistence.ErrAttemptClosed)

	_, err = r.Live(ctx, "sms", "+15550001111")
	require.ErrorIs(t, err, persistence.ErrAttemptNotFound)

	_, err = r.Get(ctx, uuid.New())
	require.ErrorIs(t, err, persistence.ErrAttemptNotFound)
}
