package llm

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mailtriage/internal/apperr"
	"mailtriage/internal/domain"
	"mailtriage/internal/guard"
	"mailtriage/internal/redact"
	"mailtriage/internal/schema"
)

type Options struct {
	MaxBodyChars int
	MaxTokens    int
	// BatchDelay is the fixed pause between consecutive calls.
	BatchDelay time.Duration
	Glossary   *Glossary
	// Now and Sleep are replaced in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client sends batches to a Provider and turns replies into exactly one
// result per submitted item.
type Client struct {
	provider Provider
	opts     Options
	logger   *zap.Logger
}

func NewClient(provider Provider, opts Options, logger *zap.Logger) *Client {
	if opts.MaxBodyChars <= 0 {
		opts.MaxBodyChars = defaultMaxBodyChars
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{provider: provider, opts: opts, logger: logger}
}

// BatchResult is the outcome of one classifier call. Results always has one
// entry per batch item, in batch order, even when Success is false.
type BatchResult struct {
	Success        bool
	Results        []domain.ClassificationResult
	BatchID        string
	ProcessingTime time.Duration
	Usage          domain.Usage
	// Err is the raw failure behind an unsuccessful batch.
	Err error
}

func (c *Client) ClassifyBatch(ctx context.Context, batch domain.Batch, p Prompt) (out BatchResult) {
	start := c.opts.Now()
	out.BatchID = batch.ID
	defer func() { out.ProcessingTime = c.opts.Now().Sub(start) }()

	if len(batch.Items) == 0 {
		out.Success = true
		return out
	}

	c.logger.Info("llm classify batch",
		zap.String("provider", c.provider.Name()),
		zap.String("batch", batch.ID),
		zap.Int("items", len(batch.Items)),
		zap.String("mode", string(p.Mode)))

	req := buildRequest(p, batch.Items, c.opts.MaxBodyChars, c.opts.MaxTokens)
	text, usage, err := c.provider.Complete(ctx, req)
	out.Usage = usage
	if err != nil {
		return c.failed(out, batch, err)
	}

	results, unsolicited, err := reconcile(batch, text, p)
	if err != nil {
		return c.failed(out, batch, err)
	}
	if unsolicited > 0 {
		c.logger.Warn("llm response contained unsolicited ids", zap.String("batch", batch.ID), zap.Int("ignored", unsolicited))
	}
	c.logger.Info("llm batch classified",
		zap.String("batch", batch.ID),
		zap.Int64("tokens_in", usage.InputTokens),
		zap.Int64("tokens_out", usage.OutputTokens))
	out.Success = true
	out.Results = results
	return out
}

// ApplyGlossary pins the label of every Ok result whose item contains a
// glossary phrase and returns how many were changed. items must be the
// unredacted originals, so phrases with addresses or numbers still match.
func (c *Client) ApplyGlossary(batchID string, items []domain.WorkItem, results []domain.ClassificationResult, p Prompt) int {
	n := applyGlossaryOverrides(items, results, c.opts.Glossary.resolve(p.allowedLabels()))
	if n > 0 {
		c.logger.Debug("llm glossary overrides applied", zap.String("batch", batchID), zap.Int("count", n))
	}
	return n
}

func (c *Client) failed(out BatchResult, batch domain.Batch, err error) BatchResult {
	rec := apperr.Classify(err, map[string]any{"batch": batch.ID, "provider": c.provider.Name()})
	c.logger.Warn("llm batch failed",
		zap.String("batch", batch.ID),
		zap.String("kind", string(rec.Kind)),
		zap.Bool("recoverable", rec.Recoverable),
		zap.Error(err))
	msg := redact.MaskCredentials(err.Error())
	results := make([]domain.ClassificationResult, len(batch.Items))
	for i, item := range batch.Items {
		results[i] = domain.ErrResult(item.ID, msg)
	}
	out.Success = false
	out.Results = results
	out.Err = err
	return out
}

// reconcile parses the reply and returns one result per batch item in batch
// order, plus the number of ids the reply invented.
func reconcile(batch domain.Batch, text string, p Prompt) ([]domain.ClassificationResult, int, error) {
	if !guard.ValidateResponse(text) {
		return nil, 0, fmt.Errorf("response failed screening: %w", apperr.ErrInvalidResponse)
	}
	data, res, err := schema.ValidateJSON(text, envelopeSchema())
	if err != nil {
		return nil, 0, fmt.Errorf("%v: %w", err, apperr.ErrInvalidResponse)
	}
	if !res.Valid {
		return nil, 0, fmt.Errorf("response shape: %s: %w", strings.Join(res.Errors, "; "), apperr.ErrInvalidResponse)
	}
	entries := data.(map[string]any)["results"].([]any)

	expected := make(map[string]bool, len(batch.Items))
	for _, item := range batch.Items {
		expected[item.ID] = true
	}
	canonical := make(map[string]string)
	for _, l := range p.allowedLabels() {
		canonical[normalizeTextToken(l)] = l
	}
	itemShape := itemSchema(p)

	got := make(map[string]domain.ClassificationResult, len(entries))
	unsolicited := 0
	for _, e := range entries {
		obj := e.(map[string]any)
		normalizeEntry(obj, canonical)
		id, _ := obj["id"].(string)
		if !expected[id] {
			unsolicited++
			continue
		}
		if _, dup := got[id]; dup {
			continue
		}
		if v := schema.Validate(obj, itemShape); !v.Valid {
			got[id] = domain.ErrResult(id, "invalid result: "+strings.Join(v.Errors, "; "))
			continue
		}
		confidence, _ := obj["confidence"].(float64)
		reasoning, _ := obj["reasoning"].(string)
		reply, _ := obj["reply"].(string)
		got[id] = domain.ClassificationResult{ID: id, Outcome: domain.Ok{
			Label:      obj["label"].(string),
			Confidence: confidence,
			Reasoning:  reasoning,
			Reply:      reply,
		}}
	}

	results := make([]domain.ClassificationResult, len(batch.Items))
	for i, item := range batch.Items {
		r, ok := got[item.ID]
		if !ok {
			r = domain.OkResult(item.ID, p.DefaultLabel, 0, missingReasoning)
		}
		results[i] = r
	}
	return results, unsolicited, nil
}

// normalizeEntry smooths over common near misses: numeric ids, label case,
// and null optional fields.
func normalizeEntry(obj map[string]any, canonical map[string]string) {
	if n, ok := obj["id"].(float64); ok {
		obj["id"] = strconv.FormatFloat(n, 'f', -1, 64)
	}
	if s, ok := obj["id"].(string); ok {
		obj["id"] = strings.TrimSpace(s)
	}
	if l, ok := obj["label"].(string); ok {
		if c, known := canonical[normalizeTextToken(l)]; known {
			obj["label"] = c
		}
	}
	for _, k := range []string{"confidence", "reasoning", "reply"} {
		if v, ok := obj[k]; ok && v == nil {
			delete(obj, k)
		}
	}
}

// Progress is reported after every batch of ProcessAllBatches.
type Progress struct {
	Batch  int
	Total  int
	Result BatchResult
}

// ProcessAllBatches classifies batches one after another with the fixed
// delay in between and returns every result in input order. It stops early
// only when ctx is done.
func (c *Client) ProcessAllBatches(ctx context.Context, batches []domain.Batch, p Prompt, onProgress func(Progress)) ([]domain.ClassificationResult, domain.Usage, error) {
	var all []domain.ClassificationResult
	var usage domain.Usage
	for i, batch := range batches {
		if i > 0 {
			if err := c.Wait(ctx); err != nil {
				return all, usage, err
			}
		}
		r := c.ClassifyBatch(ctx, batch, p)
		usage.Add(r.Usage)
		all = append(all, r.Results...)
		if onProgress != nil {
			onProgress(Progress{Batch: i + 1, Total: len(batches), Result: r})
		}
	}
	return all, usage, nil
}

// Wait pauses for the inter-batch delay or until ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	return c.opts.Sleep(ctx, c.opts.BatchDelay)
}

// sleepCtx sleeps in short steps so a cancelled ctx is noticed promptly.
func sleepCtx(ctx context.Context, d time.Duration) error {
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return ctx.Err()
}
