// Package pipeline runs triage invocations. Each invocation lists the
// candidates left over from earlier invocations, classifies them batch by
// batch and stops at a batch boundary before the host quantum runs out,
// leaving a checkpoint and exactly one armed resumption behind.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/apperr"
	"mailtriage/internal/cache"
	"mailtriage/internal/checkpoint"
	"mailtriage/internal/continuation"
	"mailtriage/internal/domain"
	"mailtriage/internal/guard"
	"mailtriage/internal/integrations/llm"
	"mailtriage/internal/redact"
)

const (
	// CancelKey holds the cooperative cancel flag.
	CancelKey = "triage.cancel"

	defaultLabel   = "unmatched"
	cleanupTimeout = 30 * time.Second
)

// Deps are the collaborators a pipeline talks to.
type Deps struct {
	Source   domain.WorkSource
	Labels   domain.LabelApplier
	Props    domain.PropertyStore
	Cache    domain.Cache
	Facility domain.Facility
	Notifier domain.Notifier
	// FormatSummary renders the summary sent when a run ends. Nil disables
	// summary notifications; abort messages are always sent.
	FormatSummary func(domain.RunSummary) string
	NewProvider   func(ctx context.Context, s domain.Settings) (llm.Provider, error)
	Logger        *zap.Logger
}

type Options struct {
	// Settings are snapshotted into the checkpoint by Start. Resume uses the
	// snapshot instead.
	Settings     domain.Settings
	BatchSize    int
	MaxBodyChars int
	MaxTokens    int
	BatchDelay   time.Duration
	SuspendAfter time.Duration
	ResumeDelay  time.Duration
	LockTTL      time.Duration
	RedactionTTL time.Duration
	Retention    time.Duration
	Query        domain.Query
	// MaxItems caps a whole run across invocations. Zero means no cap.
	MaxItems          int
	RejectOnInjection bool
	Glossary          *llm.Glossary
	EntryPoint        string

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

type Pipeline struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	store    *checkpoint.Store
	lock     *Lock
	redactor *redact.Redactor
	guard    *guard.Guard
	applier  *Applier
}

func New(deps Deps, opts Options) *Pipeline {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Notifier == nil {
		deps.Notifier = domain.NopNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EntryPoint == "" {
		opts.EntryPoint = continuation.DefaultEntryPoint
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 7 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = checkpoint.DefaultRetention
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory(0, opts.Now)
	}
	if deps.NewProvider == nil {
		deps.NewProvider = func(ctx context.Context, s domain.Settings) (llm.Provider, error) {
			return llm.NewProvider(ctx, s, nil)
		}
	}

	logger := deps.Logger
	redactor := redact.New(deps.Cache, opts.RedactionTTL, logger)
	return &Pipeline{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		store:    checkpoint.New(deps.Props, logger, opts.Now),
		lock:     NewLock(deps.Props, opts.LockTTL, opts.Now),
		redactor: redactor,
		guard:    guard.New(logger),
		applier:  NewApplier(deps.Labels, deps.Props, redactor, logger),
	}
}

// Start begins a new run. Any checkpoint or pending resumption left by an
// earlier run is superseded.
func (p *Pipeline) Start(ctx context.Context) (domain.RunSummary, error) {
	return p.locked(ctx, func(ctx context.Context) (domain.RunSummary, error) {
		if err := p.deps.Props.Delete(ctx, CancelKey); err != nil {
			return domain.RunSummary{}, fmt.Errorf("clear cancel flag: %w", err)
		}
		if err := p.store.Clear(ctx); err != nil {
			return domain.RunSummary{}, err
		}
		if err := p.deps.Facility.CancelAll(ctx, p.opts.EntryPoint); err != nil {
			return domain.RunSummary{}, fmt.Errorf("cancel resumptions: %w", err)
		}
		p.logger.Info("pipeline starting run", zap.String("mode", string(p.opts.Settings.Mode)))
		return p.run(ctx, &checkpoint.State{Settings: p.opts.Settings})
	})
}

// Resume continues the active run. Without a checkpoint there is nothing to
// do and any stray resumption is cancelled.
func (p *Pipeline) Resume(ctx context.Context) (domain.RunSummary, error) {
	return p.locked(ctx, func(ctx context.Context) (domain.RunSummary, error) {
		st, err := p.store.Load(ctx)
		if err != nil {
			return domain.RunSummary{}, err
		}
		if st == nil {
			p.logger.Info("pipeline nothing to resume")
			return domain.RunSummary{}, p.deps.Facility.CancelAll(ctx, p.opts.EntryPoint)
		}
		p.logger.Info("pipeline resuming run",
			zap.String("checkpoint", st.ID),
			zap.Int("processed", st.ProcessedCount),
			zap.Int("total", st.TotalEstimated))
		return p.run(ctx, st)
	})
}

// Cancel asks the running or suspended run to stop at its next batch
// boundary.
func (p *Pipeline) Cancel(ctx context.Context) error {
	if err := p.deps.Props.Set(ctx, CancelKey, p.opts.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	p.logger.Info("pipeline cancel requested")
	return nil
}

// Status returns the active checkpoint, or nil when no run is in progress.
func (p *Pipeline) Status(ctx context.Context) (*checkpoint.State, error) {
	return p.store.Load(ctx)
}

// Sweep deletes checkpoints older than the retention window.
func (p *Pipeline) Sweep(ctx context.Context) (int, error) {
	n, err := p.store.SweepExpired(ctx, p.opts.Retention)
	if err != nil {
		return n, err
	}
	if n > 0 {
		p.logger.Info("pipeline swept checkpoints", zap.Int("deleted", n))
	}
	return n, nil
}

func (p *Pipeline) locked(ctx context.Context, fn func(context.Context) (domain.RunSummary, error)) (domain.RunSummary, error) {
	release, err := p.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyRunning) {
			p.logger.Info("pipeline already running, skipping", zap.Error(err))
		}
		return domain.RunSummary{}, err
	}
	defer func() {
		cctx, cancel := cleanupContext(ctx)
		defer cancel()
		if err := release(cctx); err != nil {
			p.logger.Warn("pipeline could not release lock", zap.Error(err))
		}
	}()
	return fn(ctx)
}

// invocation is the mutable state of one run call.
type invocation struct {
	sched *continuation.Scheduler
	st    *checkpoint.State
	sum   domain.RunSummary
}

func (p *Pipeline) run(ctx context.Context, st *checkpoint.State) (domain.RunSummary, error) {
	inv := &invocation{
		sched: continuation.New(p.deps.Facility, p.store, continuation.Options{
			EntryPoint:   p.opts.EntryPoint,
			SuspendAfter: p.opts.SuspendAfter,
			ResumeDelay:  p.opts.ResumeDelay,
			Now:          p.opts.Now,
		}, p.logger),
		st:  st,
		sum: domain.RunSummary{Started: p.opts.Now()},
	}
	inv.sched.Begin()

	settings := st.Settings
	if settings.APIKey == "" {
		settings.APIKey = p.opts.Settings.APIKey
	}
	if settings.DefaultLabel == "" {
		settings.DefaultLabel = defaultLabel
	}

	provider, err := p.deps.NewProvider(ctx, settings)
	if err != nil {
		return p.abort(ctx, inv, fmt.Errorf("classifier: %w", err))
	}

	items, exhausted, err := p.candidates(ctx, st)
	if err != nil {
		if !apperr.Recoverable(err) {
			return p.abort(ctx, inv, err)
		}
		sum, serr := p.suspend(ctx, inv)
		if serr != nil {
			return sum, serr
		}
		return sum, err
	}
	if exhausted {
		return p.finish(ctx, inv)
	}

	client := llm.NewClient(provider, llm.Options{
		MaxBodyChars: p.opts.MaxBodyChars,
		MaxTokens:    p.opts.MaxTokens,
		BatchDelay:   p.opts.BatchDelay,
		Glossary:     p.opts.Glossary,
		Now:          p.opts.Now,
		Sleep:        p.opts.Sleep,
	}, p.logger)
	prompt := llm.PromptFromSettings(settings)
	batches := llm.CreateBatches(items, p.opts.BatchSize)

	for i, batch := range batches {
		if p.cancelRequested(ctx) {
			return p.cancelled(ctx, inv)
		}
		if i > 0 && inv.sched.ShouldSuspend() {
			return p.suspend(ctx, inv)
		}
		if ctx.Err() != nil {
			return p.suspend(ctx, inv)
		}

		results, abortErr := p.classify(ctx, client, prompt, settings, batch, inv)
		if abortErr != nil {
			return p.abort(ctx, inv, abortErr)
		}
		if results == nil {
			return p.suspend(ctx, inv)
		}

		// Bookkeeping for a classified batch always completes, even when the
		// invocation deadline passes meanwhile.
		bctx := context.WithoutCancel(ctx)
		for j, item := range batch.Items {
			applied, err := p.applier.Apply(bctx, item, results[j], settings.Mode)
			if err != nil {
				p.logger.Warn("pipeline apply failed", zap.String("item", item.ID), zap.Error(err))
			}
			if applied.Marker == domain.MarkerOK {
				inv.sum.Succeeded++
			} else {
				inv.sum.Failed++
			}
		}
		st.ProcessedCount += len(batch.Items)
		st.LastProcessedID = batch.Items[len(batch.Items)-1].ID
		// The record only exists once the run has suspended. A first
		// invocation that finishes in time never writes one.
		if st.ID != "" {
			if err := p.store.Save(bctx, st); err != nil {
				return p.abort(ctx, inv, err)
			}
		}
		p.logger.Info("pipeline batch done",
			zap.String("batch", batch.ID),
			zap.Int("batch_index", i+1),
			zap.Int("batches", len(batches)),
			zap.Int("processed", st.ProcessedCount),
			zap.Int("total", st.TotalEstimated))

		if i < len(batches)-1 {
			if err := client.Wait(ctx); err != nil {
				return p.suspend(ctx, inv)
			}
		}
	}
	return p.finish(ctx, inv)
}

// candidates lists what is left of the run and updates the total estimate.
// exhausted is true when nothing remains.
func (p *Pipeline) candidates(ctx context.Context, st *checkpoint.State) (items []domain.WorkItem, exhausted bool, err error) {
	limit := 0
	if p.opts.MaxItems > 0 {
		limit = p.opts.MaxItems - st.ProcessedCount
		if limit <= 0 {
			return nil, true, nil
		}
	}
	items, err = p.deps.Source.ListCandidates(ctx, p.opts.Query, limit)
	if err != nil {
		return nil, false, fmt.Errorf("list candidates: %w", err)
	}
	items = continuation.Remaining(items, st.LastProcessedID)
	if total := st.ProcessedCount + len(items); total > st.TotalEstimated {
		st.TotalEstimated = total
	}
	return items, len(items) == 0, nil
}

// classify returns one result per batch item in batch order. A nil result
// with a nil error means the invocation ran out of time mid-call and the
// batch must be retried after resumption. A non-nil error is fatal.
func (p *Pipeline) classify(ctx context.Context, client *llm.Client, prompt llm.Prompt, settings domain.Settings, batch domain.Batch, inv *invocation) ([]domain.ClassificationResult, error) {
	results := make([]domain.ClassificationResult, len(batch.Items))
	var send []domain.WorkItem
	var at []int
	for j, item := range batch.Items {
		switch {
		case item.Empty():
			results[j] = domain.OkResult(item.ID, settings.DefaultLabel, 0, "empty message")
		case p.opts.RejectOnInjection && (guard.HasInjectionRisk(item.Subject) || guard.HasInjectionRisk(item.Body)):
			p.logger.Warn("pipeline rejected item with injection risk", zap.String("item", item.ID))
			results[j] = domain.ErrResult(item.ID, "rejected: content looks like a prompt injection attempt")
		default:
			safe, _ := p.redactor.RedactItem(item)
			safe.Subject = p.guard.Sanitize(safe.Subject, item.ID)
			safe.Body = p.guard.Sanitize(safe.Body, item.ID)
			send = append(send, safe)
			at = append(at, j)
		}
	}
	if len(send) == 0 {
		return results, nil
	}

	br := client.ClassifyBatch(ctx, domain.Batch{ID: batch.ID, Items: send}, prompt)
	inv.sum.Usage.Add(br.Usage)
	if !br.Success {
		if ctx.Err() != nil || !apperr.Recoverable(br.Err) {
			for _, item := range send {
				p.redactor.Forget(item.ID)
			}
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, br.Err
		}
	}
	for k, r := range br.Results {
		results[at[k]] = r
	}
	client.ApplyGlossary(batch.ID, batch.Items, results, prompt)
	return results, nil
}

func (p *Pipeline) cancelRequested(ctx context.Context) bool {
	_, ok, err := p.deps.Props.Get(ctx, CancelKey)
	if err != nil {
		p.logger.Warn("pipeline could not read cancel flag", zap.Error(err))
		return false
	}
	return ok
}

func (p *Pipeline) suspend(ctx context.Context, inv *invocation) (domain.RunSummary, error) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := inv.sched.Suspend(cctx, inv.st); err != nil {
		return p.abort(ctx, inv, err)
	}
	inv.sum.Suspended = true
	return p.summarize(inv), nil
}

func (p *Pipeline) finish(ctx context.Context, inv *invocation) (domain.RunSummary, error) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := inv.sched.Finish(cctx); err != nil {
		p.logger.Warn("pipeline finish cleanup failed", zap.Error(err))
	}
	sum := p.summarize(inv)
	p.notifySummary(cctx, sum)
	return sum, nil
}

func (p *Pipeline) cancelled(ctx context.Context, inv *invocation) (domain.RunSummary, error) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	err := errors.Join(inv.sched.Finish(cctx), p.deps.Props.Delete(cctx, CancelKey))
	if err != nil {
		p.logger.Warn("pipeline cancel cleanup failed", zap.Error(err))
	}
	inv.sum.Cancelled = true
	sum := p.summarize(inv)
	p.logger.Info("pipeline run cancelled", zap.Int("processed", sum.Processed))
	p.notifySummary(cctx, sum)
	return sum, nil
}

// abort ends the run for good: no checkpoint, no resumption, and the owner is
// told what went wrong.
func (p *Pipeline) abort(ctx context.Context, inv *invocation, cause error) (domain.RunSummary, error) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	rec := apperr.Classify(cause, map[string]any{"processed": inv.st.ProcessedCount})
	if err := inv.sched.Abort(cctx, cause); err != nil {
		p.logger.Warn("pipeline abort cleanup failed", zap.Error(err))
	}
	p.logger.Error("pipeline aborted",
		zap.String("kind", string(rec.Kind)),
		zap.String("severity", string(rec.Severity)),
		zap.Error(cause))
	if err := p.deps.Notifier.Notify(cctx, rec.UserMessage()); err != nil {
		p.logger.Warn("pipeline notify failed", zap.Error(err))
	}
	return p.summarize(inv), cause
}

func (p *Pipeline) summarize(inv *invocation) domain.RunSummary {
	sum := inv.sum
	sum.Processed = inv.st.ProcessedCount
	sum.Total = inv.st.TotalEstimated
	sum.Finished = p.opts.Now()
	return sum
}

func (p *Pipeline) notifySummary(ctx context.Context, sum domain.RunSummary) {
	if p.deps.FormatSummary == nil {
		return
	}
	if err := p.deps.Notifier.Notify(ctx, p.deps.FormatSummary(sum)); err != nil {
		p.logger.Warn("pipeline notify failed", zap.Error(err))
	}
}

// cleanupContext outlives ctx so teardown still runs after the invocation
// deadline.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}
