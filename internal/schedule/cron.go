// Package schedule is the scheduling facility: it arms one-shot delayed
// invocations of named entry points and runs recurring jobs, all on a
// single robfig/cron scheduler.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Handler is the body of an entry point.
type Handler func(ctx context.Context) error

type Options struct {
	// JobTimeout bounds each handler run, emulating the host quantum.
	JobTimeout time.Duration
	Location   *time.Location
}

// Cron implements domain.Facility.
type Cron struct {
	cron   *cron.Cron
	parser cron.Parser
	logger *zap.Logger
	opts   Options

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	handlers map[string]Handler
	// pending maps entry point → trigger id → cron entry.
	pending map[string]map[string]cron.EntryID
}

func New(logger *zap.Logger, opts Options) *Cron {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	cl := cronLogger{logger.Sugar()}
	return &Cron{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		opts:     opts,
		baseCtx:  ctx,
		cancel:   cancel,
		handlers: make(map[string]Handler),
		pending:  make(map[string]map[string]cron.EntryID),
	}
}

// Register binds an entry point name to its handler.
func (c *Cron) Register(entryPoint string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[entryPoint] = h
}

// Arm schedules one run of entryPoint after delay and returns its trigger id.
func (c *Cron) Arm(_ context.Context, entryPoint string, delay time.Duration) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[entryPoint]; !ok {
		return "", fmt.Errorf("arm %q: no handler registered", entryPoint)
	}
	triggerID := uuid.NewString()
	at := time.Now().Add(delay)
	entryID := c.cron.Schedule(&onceSchedule{at: at}, cron.FuncJob(func() {
		c.fire(entryPoint, triggerID)
	}))
	if c.pending[entryPoint] == nil {
		c.pending[entryPoint] = make(map[string]cron.EntryID)
	}
	c.pending[entryPoint][triggerID] = entryID
	c.logger.Info("schedule armed",
		zap.String("entry_point", entryPoint),
		zap.String("trigger", triggerID),
		zap.Time("at", at))
	return triggerID, nil
}

// CancelAll removes every pending arm of entryPoint.
func (c *Cron) CancelAll(_ context.Context, entryPoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for triggerID, entryID := range c.pending[entryPoint] {
		c.cron.Remove(entryID)
		c.logger.Debug("schedule cancelled", zap.String("entry_point", entryPoint), zap.String("trigger", triggerID))
	}
	delete(c.pending, entryPoint)
	return nil
}

// Pending is the number of arms of entryPoint that have not fired.
func (c *Cron) Pending(entryPoint string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[entryPoint])
}

// AddRecurring runs entryPoint on a standard 5-field cron spec
// (minute hour day-of-month month day-of-week) or a descriptor like @hourly.
func (c *Cron) AddRecurring(spec, entryPoint string) error {
	sched, err := c.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	c.mu.Lock()
	_, ok := c.handlers[entryPoint]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("recurring %q: no handler registered", entryPoint)
	}
	c.cron.Schedule(sched, cron.FuncJob(func() { c.run(entryPoint, "") }))
	c.logger.Info("schedule recurring", zap.String("entry_point", entryPoint), zap.String("spec", spec))
	return nil
}

func (c *Cron) fire(entryPoint, triggerID string) {
	c.mu.Lock()
	entryID, ok := c.pending[entryPoint][triggerID]
	if ok {
		delete(c.pending[entryPoint], triggerID)
		if len(c.pending[entryPoint]) == 0 {
			delete(c.pending, entryPoint)
		}
	}
	c.mu.Unlock()
	if !ok {
		// Cancelled after cron had already started the job.
		return
	}
	c.cron.Remove(entryID)
	c.run(entryPoint, triggerID)
}

func (c *Cron) run(entryPoint, triggerID string) {
	c.mu.Lock()
	h := c.handlers[entryPoint]
	c.mu.Unlock()

	ctx := c.baseCtx
	if c.opts.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.JobTimeout)
		defer cancel()
	}
	start := time.Now()
	err := h(ctx)
	fields := []zap.Field{
		zap.String("entry_point", entryPoint),
		zap.String("trigger", triggerID),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		c.logger.Warn("schedule job failed", append(fields, zap.Error(err))...)
		return
	}
	c.logger.Info("schedule job done", fields...)
}

func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts scheduling, cancels running handlers' context and waits for
// them to return or for ctx to end.
func (c *Cron) Stop(ctx context.Context) error {
	done := c.cron.Stop()
	c.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onceSchedule yields its time on first use and never again once that time
// has passed.
type onceSchedule struct {
	mu    sync.Mutex
	at    time.Time
	asked bool
}

func (s *onceSchedule) Next(t time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.asked {
		s.asked = true
		return s.at
	}
	if t.Before(s.at) {
		return s.at
	}
	return time.Time{}
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron "+msg, append(keysAndValues, "error", err)...)
}
