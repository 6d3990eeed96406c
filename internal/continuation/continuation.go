// Package continuation decides when an invocation must stop to stay inside
// its time quantum and arranges for exactly one future resumption.
package continuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/checkpoint"
	"mailtriage/internal/domain"
)

type State int

const (
	Idle State = iota
	Running
	Suspended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// DefaultEntryPoint is the name the scheduling facility re-invokes.
	DefaultEntryPoint = "resume"
	// DefaultSuspendAfter leaves headroom under a 6 minute host quantum.
	DefaultSuspendAfter = 4*time.Minute + 30*time.Second
	DefaultResumeDelay  = time.Minute
)

type Options struct {
	EntryPoint   string
	SuspendAfter time.Duration
	ResumeDelay  time.Duration
	Now          func() time.Time
}

// Scheduler tracks one invocation. It is not safe for concurrent use.
type Scheduler struct {
	facility domain.Facility
	store    *checkpoint.Store
	opts     Options
	logger   *zap.Logger

	state   State
	started time.Time
}

func New(facility domain.Facility, store *checkpoint.Store, opts Options, logger *zap.Logger) *Scheduler {
	if opts.EntryPoint == "" {
		opts.EntryPoint = DefaultEntryPoint
	}
	if opts.SuspendAfter <= 0 {
		opts.SuspendAfter = DefaultSuspendAfter
	}
	if opts.ResumeDelay <= 0 {
		opts.ResumeDelay = DefaultResumeDelay
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{facility: facility, store: store, opts: opts, logger: logger}
}

func (s *Scheduler) State() State { return s.state }

func (s *Scheduler) EntryPoint() string { return s.opts.EntryPoint }

// Begin starts the invocation clock.
func (s *Scheduler) Begin() {
	s.state = Running
	s.started = s.opts.Now()
}

func (s *Scheduler) Elapsed() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return s.opts.Now().Sub(s.started)
}

// ShouldSuspend reports whether the invocation has used up its safe share of
// the quantum. Callers only ask at batch boundaries with work remaining.
func (s *Scheduler) ShouldSuspend() bool {
	return s.state == Running && s.Elapsed() > s.opts.SuspendAfter
}

// Suspend persists st and replaces any pending resumption with a new one.
func (s *Scheduler) Suspend(ctx context.Context, st *checkpoint.State) error {
	st.IsActive = true
	if err := s.store.Save(ctx, st); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	triggerID, err := s.ArmResumption(ctx)
	if err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	st.TriggerID = triggerID
	if err := s.store.Save(ctx, st); err != nil {
		return fmt.Errorf("suspend: record trigger: %w", err)
	}
	s.state = Suspended
	s.logger.Info("continuation suspended",
		zap.Int("processed", st.ProcessedCount),
		zap.Int("total", st.TotalEstimated),
		zap.String("trigger", triggerID),
		zap.Duration("elapsed", s.Elapsed()))
	return nil
}

// ArmResumption cancels every pending resumption of the entry point and arms
// a single new one, returning its id.
func (s *Scheduler) ArmResumption(ctx context.Context) (string, error) {
	if err := s.facility.CancelAll(ctx, s.opts.EntryPoint); err != nil {
		return "", fmt.Errorf("cancel resumptions: %w", err)
	}
	id, err := s.facility.Arm(ctx, s.opts.EntryPoint, s.opts.ResumeDelay)
	if err != nil {
		return "", fmt.Errorf("arm resumption: %w", err)
	}
	return id, nil
}

// Finish is the exhausted or cancelled exit: no checkpoint, no resumption.
func (s *Scheduler) Finish(ctx context.Context) error {
	err := s.teardown(ctx)
	s.logger.Info("continuation finished", zap.Duration("elapsed", s.Elapsed()))
	return err
}

// Abort is Finish for unrecoverable failures, so a condition that cannot heal
// does not resume forever.
func (s *Scheduler) Abort(ctx context.Context, cause error) error {
	err := s.teardown(ctx)
	s.logger.Warn("continuation aborted", zap.Error(cause))
	return err
}

func (s *Scheduler) teardown(ctx context.Context) error {
	s.state = Idle
	return errors.Join(
		s.store.Clear(ctx),
		s.facility.CancelAll(ctx, s.opts.EntryPoint),
	)
}

// Remaining returns the items strictly after lastProcessedID. An empty id, or
// one the work source no longer lists, yields every item.
func Remaining(items []domain.WorkItem, lastProcessedID string) []domain.WorkItem {
	if lastProcessedID == "" {
		return items
	}
	for i, item := range items {
		if item.ID == lastProcessedID {
			return items[i+1:]
		}
	}
	return items
}
