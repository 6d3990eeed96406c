package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/apperr"
	"mailtriage/internal/storage/memory"
)

func TestLockExcludesSecondHolder(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	props := memory.NewProperties()
	l := NewLock(props, time.Minute, c.Now)

	release, err := l.Acquire(ctx)
	require.NoError(t, err)

	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, apperr.ErrAlreadyRunning)

	require.NoError(t, release(ctx))
	_, ok, _ := props.Get(ctx, LockKey)
	assert.False(t, ok)

	release, err = l.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}

func TestLockExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	c := newClock()
	props := memory.NewProperties()
	l := NewLock(props, time.Minute, c.Now)

	stale, err := l.Acquire(ctx)
	require.NoError(t, err)

	c.Advance(2 * time.Minute)
	fresh, err := l.Acquire(ctx)
	require.NoError(t, err)

	// The killed holder's release must not free the new lease.
	require.NoError(t, stale(ctx))
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, apperr.ErrAlreadyRunning)

	require.NoError(t, fresh(ctx))
}

func TestLockIgnoresUnreadableLease(t *testing.T) {
	ctx := context.Background()
	props := memory.NewProperties()
	require.NoError(t, props.Set(ctx, LockKey, "garbage"))

	release, err := NewLock(props, time.Minute, nil).Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
