package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mailtriage/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var _ domain.Facility = (*Cron)(nil)

func startCron(t *testing.T, opts Options) (*Cron, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	c := New(zap.New(core), opts)
	c.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, c.Stop(ctx))
	})
	return c, logs
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("handler did not run")
	}
}

func TestArmFiresOnce(t *testing.T) {
	c, logs := startCron(t, Options{})
	fired := make(chan struct{}, 4)
	var calls atomic.Int32
	c.Register("resume", func(context.Context) error {
		calls.Add(1)
		fired <- struct{}{}
		return nil
	})

	id, err := c.Arm(context.Background(), "resume", 20*time.Millisecond)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, c.Pending("resume"))

	waitFor(t, fired)
	assert.Zero(t, c.Pending("resume"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("schedule job done").Len() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestCancelAllLeavesOnlyNewArm(t *testing.T) {
	c, _ := startCron(t, Options{})
	fired := make(chan struct{}, 4)
	var calls atomic.Int32
	c.Register("resume", func(context.Context) error {
		calls.Add(1)
		fired <- struct{}{}
		return nil
	})
	ctx := context.Background()

	_, err := c.Arm(ctx, "resume", 80*time.Millisecond)
	require.NoError(t, err)
	_, err = c.Arm(ctx, "resume", 80*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, c.CancelAll(ctx, "resume"))
	assert.Zero(t, c.Pending("resume"))

	_, err = c.Arm(ctx, "resume", 80*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending("resume"))

	waitFor(t, fired)
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestArmBeforeStart(t *testing.T) {
	c := New(nil, Options{})
	fired := make(chan struct{}, 1)
	c.Register("resume", func(context.Context) error {
		fired <- struct{}{}
		return nil
	})
	_, err := c.Arm(context.Background(), "resume", 0)
	require.NoError(t, err)

	c.Start()
	defer func() { require.NoError(t, c.Stop(context.Background())) }()
	waitFor(t, fired)
}

func TestArmUnknownEntryPoint(t *testing.T) {
	c := New(nil, Options{})
	_, err := c.Arm(context.Background(), "missing", time.Second)
	require.Error(t, err)
	assert.Zero(t, c.Pending("missing"))
}

func TestJobTimeoutBoundsHandler(t *testing.T) {
	c, logs := startCron(t, Options{JobTimeout: 30 * time.Millisecond})
	done := make(chan struct{}, 1)
	c.Register("resume", func(ctx context.Context) error {
		<-ctx.Done()
		done <- struct{}{}
		return ctx.Err()
	})
	_, err := c.Arm(context.Background(), "resume", 0)
	require.NoError(t, err)

	waitFor(t, done)
	assert.Eventually(t, func() bool {
		entries := logs.FilterMessage("schedule job failed").All()
		return len(entries) == 1 && entries[0].ContextMap()["error"] == context.DeadlineExceeded.Error()
	}, time.Second, 10*time.Millisecond)
}

func TestAddRecurring(t *testing.T) {
	c := New(nil, Options{})
	c.Register("sweep", func(context.Context) error { return nil })

	require.NoError(t, c.AddRecurring("0 * * * *", "sweep"))
	require.NoError(t, c.AddRecurring("@hourly", "sweep"))
	assert.Error(t, c.AddRecurring("0 * * *", "sweep"))
	assert.Error(t, c.AddRecurring("*/5 * * * *", "unregistered"))
}

func TestOnceSchedule(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := &onceSchedule{at: at}

	assert.Equal(t, at, s.Next(at.Add(time.Hour)), "first ask always yields the target")
	assert.Equal(t, at, s.Next(at.Add(-time.Second)))
	assert.True(t, s.Next(at).IsZero())
	assert.True(t, s.Next(at.Add(time.Minute)).IsZero())
}
