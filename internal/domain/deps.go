package domain

import (
	"context"
	"time"
)

// Query selects candidates from the work source.
type Query struct {
	// Text filters subject/body; empty matches everything.
	Text string
	// IncludeTerminal also returns items that already carry a terminal marker.
	IncludeTerminal bool
}

// WorkSource enumerates candidates in a stable order.
type WorkSource interface {
	ListCandidates(ctx context.Context, q Query, limit int) ([]WorkItem, error)
}

// LabelApplier mutates items in the mailbox. All methods are idempotent.
type LabelApplier interface {
	ApplyTerminalMarker(ctx context.Context, itemID string, marker Marker) error
	ApplyOutcomeLabel(ctx context.Context, itemID, label string) error
	CreateDraftOrReply(ctx context.Context, itemID, text string) error
}

// PropertyStore is a per-user durable key/value store without transactions.
type PropertyStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) (map[string]string, error)
}

// Cache is a best-effort volatile store; entries may disappear early.
type Cache interface {
	Get(key string) (string, bool)
	Put(key, value string, ttl time.Duration)
	Remove(key string)
}

// Facility arms delayed invocations of named entry points.
type Facility interface {
	Arm(ctx context.Context, entryPoint string, delay time.Duration) (string, error)
	CancelAll(ctx context.Context, entryPoint string) error
}

// Notifier delivers user-facing messages.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string) error { return nil }
