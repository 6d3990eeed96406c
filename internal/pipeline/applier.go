package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"mailtriage/internal/domain"
	"mailtriage/internal/redact"
)

const replyHashPrefix = "triage.reply_hash."

// Applied is what the applier did to one item.
type Applied struct {
	Marker domain.Marker
	Label  string
	// Reasoning has redaction tokens restored.
	Reasoning string
	Drafted   bool
}

// Applier writes a classification result back to the mailbox.
type Applier struct {
	labels   domain.LabelApplier
	props    domain.PropertyStore
	redactor *redact.Redactor
	logger   *zap.Logger
}

func NewApplier(labels domain.LabelApplier, props domain.PropertyStore, redactor *redact.Redactor, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{labels: labels, props: props, redactor: redactor, logger: logger}
}

// Apply gives item exactly one terminal marker. The marker starts as error
// and only the end of the ok path promotes it, so every early return and
// every failure leaves the item marked as an error.
func (a *Applier) Apply(ctx context.Context, item domain.WorkItem, res domain.ClassificationResult, mode domain.Mode) (out Applied, err error) {
	out.Marker = domain.MarkerError
	defer func() {
		if merr := a.labels.ApplyTerminalMarker(ctx, item.ID, out.Marker); merr != nil {
			err = errors.Join(err, fmt.Errorf("terminal marker for %s: %w", item.ID, merr))
		}
		a.redactor.Forget(item.ID)
	}()

	ok, isOk := res.Outcome.(domain.Ok)
	if !isOk {
		if e, isErr := res.Outcome.(domain.Err); isErr {
			a.logger.Debug("applier marking error result", zap.String("item", item.ID), zap.String("reason", e.Message))
		}
		return out, nil
	}

	out.Label = ok.Label
	out.Reasoning = a.redactor.Restore(ok.Reasoning, item.ID)
	if err := a.labels.ApplyOutcomeLabel(ctx, item.ID, ok.Label); err != nil {
		return out, fmt.Errorf("label %s: %w", item.ID, err)
	}

	if mode == domain.ModeDraft && ok.Reply != "" {
		drafted, err := a.draft(ctx, item.ID, a.redactor.Restore(ok.Reply, item.ID))
		if err != nil {
			return out, err
		}
		out.Drafted = drafted
	}

	out.Marker = domain.MarkerOK
	return out, nil
}

// draft creates the reply unless an identical one was already created for
// the item. The hash check is best effort.
func (a *Applier) draft(ctx context.Context, itemID, reply string) (bool, error) {
	sum := sha256.Sum256([]byte(reply))
	hash := hex.EncodeToString(sum[:])
	key := replyHashPrefix + itemID

	if prev, ok, err := a.props.Get(ctx, key); err == nil && ok && prev == hash {
		a.logger.Info("applier skipped duplicate reply", zap.String("item", itemID))
		return false, nil
	}
	if err := a.labels.CreateDraftOrReply(ctx, itemID, reply); err != nil {
		return false, fmt.Errorf("draft %s: %w", itemID, err)
	}
	if err := a.props.Set(ctx, key, hash); err != nil {
		a.logger.Warn("applier could not record reply hash", zap.String("item", itemID), zap.Error(err))
	}
	return true, nil
}
