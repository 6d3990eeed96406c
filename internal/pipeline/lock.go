package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mailtriage/internal/apperr"
	"mailtriage/internal/domain"
)

const LockKey = "triage.lock"

// lease is the value stored under LockKey.
type lease struct {
	Token   string    `json:"token"`
	Expires time.Time `json:"expires"`
}

// Lock is an advisory mutex over the property store. The store has no
// compare-and-swap, so acquisition is write-then-verify; the TTL frees a
// lease whose holder was killed before it could release.
type Lock struct {
	props domain.PropertyStore
	ttl   time.Duration
	now   func() time.Time
}

func NewLock(props domain.PropertyStore, ttl time.Duration, now func() time.Time) *Lock {
	if now == nil {
		now = time.Now
	}
	return &Lock{props: props, ttl: ttl, now: now}
}

// Acquire takes the lock or fails with apperr.ErrAlreadyRunning. The returned
// release func only deletes the lease if it is still ours.
func (l *Lock) Acquire(ctx context.Context) (func(context.Context) error, error) {
	if cur, ok, err := l.read(ctx); err != nil {
		return nil, err
	} else if ok && l.now().Before(cur.Expires) {
		return nil, fmt.Errorf("lock held until %s: %w", cur.Expires.Format(time.RFC3339), apperr.ErrAlreadyRunning)
	}

	mine := lease{Token: uuid.NewString(), Expires: l.now().Add(l.ttl)}
	data, err := json.Marshal(mine)
	if err != nil {
		return nil, err
	}
	if err := l.props.Set(ctx, LockKey, string(data)); err != nil {
		return nil, fmt.Errorf("write lock: %w", err)
	}
	cur, ok, err := l.read(ctx)
	if err != nil {
		return nil, err
	}
	if !ok || cur.Token != mine.Token {
		return nil, fmt.Errorf("lock taken concurrently: %w", apperr.ErrAlreadyRunning)
	}

	release := func(ctx context.Context) error {
		cur, ok, err := l.read(ctx)
		if err != nil {
			return err
		}
		if !ok || cur.Token != mine.Token {
			return nil
		}
		return l.props.Delete(ctx, LockKey)
	}
	return release, nil
}

// read returns the current lease. An unreadable value counts as no lease.
func (l *Lock) read(ctx context.Context) (lease, bool, error) {
	raw, ok, err := l.props.Get(ctx, LockKey)
	if err != nil {
		return lease{}, false, fmt.Errorf("read lock: %w", err)
	}
	if !ok {
		return lease{}, false, nil
	}
	var cur lease
	if err := json.Unmarshal([]byte(raw), &cur); err != nil || cur.Token == "" {
		return lease{}, false, nil
	}
	return cur, true, nil
}
