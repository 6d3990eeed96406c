// Package checkpoint persists the single active continuation record of a
// user in the durable property store.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"mailtriage/internal/domain"
)

const (
	CurrentVersion = 1

	// RecordPrefix prefixes every checkpoint record key.
	RecordPrefix = "triage.checkpoint."
	// ActiveKey holds the id of the active record.
	ActiveKey = "triage.active_checkpoint"

	DefaultRetention = 24 * time.Hour
)

// State is the durable continuation record.
type State struct {
	Version         int             `json:"version"`
	ID              string          `json:"id"`
	IsActive        bool            `json:"is_active"`
	ProcessedCount  int             `json:"processed_count"`
	TotalEstimated  int             `json:"total_estimated"`
	StartTime       time.Time       `json:"start_time"`
	LastProcessedID string          `json:"last_processed_id,omitempty"`
	Settings        domain.Settings `json:"settings"`
	TriggerID       string          `json:"trigger_id,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

var errInvalid = errors.New("invalid checkpoint")

func (s *State) validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: empty id", errInvalid)
	case s.ProcessedCount < 0 || s.TotalEstimated < 0:
		return fmt.Errorf("%w: negative counters", errInvalid)
	case s.StartTime.IsZero():
		return fmt.Errorf("%w: missing start time", errInvalid)
	}
	return nil
}

// Store reads and writes checkpoints. It is safe for concurrent use, though
// the pipeline only ever uses it from one goroutine.
type Store struct {
	props  domain.PropertyStore
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entropy *rand.Rand
}

func New(props domain.PropertyStore, logger *zap.Logger, now func() time.Time) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		props:   props,
		logger:  logger,
		now:     now,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func recordKey(id string) string { return RecordPrefix + id }

func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(s.now()), s.entropy).String()
}

// Save writes st and marks it active. A state without an ID is a new record:
// the previously active record is deleted first so only one ever exists.
func (s *Store) Save(ctx context.Context, st *State) error {
	now := s.now().UTC()
	if st.ID == "" {
		if err := s.Clear(ctx); err != nil {
			return fmt.Errorf("checkpoint supersede: %w", err)
		}
		st.ID = s.newID()
		if st.StartTime.IsZero() {
			st.StartTime = now
		}
	}
	st.Version = CurrentVersion
	st.UpdatedAt = now
	if err := st.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("checkpoint marshal: %w", err)
	}
	if err := s.props.Set(ctx, recordKey(st.ID), string(data)); err != nil {
		return fmt.Errorf("checkpoint write: %w", err)
	}
	if err := s.props.Set(ctx, ActiveKey, st.ID); err != nil {
		return fmt.Errorf("checkpoint activate: %w", err)
	}
	s.logger.Debug("checkpoint saved",
		zap.String("id", st.ID),
		zap.Int("processed", st.ProcessedCount),
		zap.Int("total", st.TotalEstimated))
	return nil
}

// Load returns the active state, or nil when there is none. Unreadable
// records are deleted rather than returned.
func (s *Store) Load(ctx context.Context) (*State, error) {
	id, ok, err := s.props.Get(ctx, ActiveKey)
	if err != nil {
		return nil, fmt.Errorf("checkpoint pointer: %w", err)
	}
	if !ok || id == "" {
		return nil, nil
	}
	raw, ok, err := s.props.Get(ctx, recordKey(id))
	if err != nil {
		return nil, fmt.Errorf("checkpoint read: %w", err)
	}
	if !ok {
		s.logger.Warn("checkpoint pointer dangling, dropping", zap.String("id", id))
		return nil, s.props.Delete(ctx, ActiveKey)
	}
	st, err := decode(id, raw)
	if err != nil {
		s.logger.Warn("checkpoint discarded", zap.String("id", id), zap.Error(err))
		return nil, s.Clear(ctx)
	}
	return st, nil
}

// Clear deletes the active record and the pointer to it.
func (s *Store) Clear(ctx context.Context) error {
	id, ok, err := s.props.Get(ctx, ActiveKey)
	if err != nil {
		return fmt.Errorf("checkpoint pointer: %w", err)
	}
	if !ok {
		return nil
	}
	if id != "" {
		if err := s.props.Delete(ctx, recordKey(id)); err != nil {
			return fmt.Errorf("checkpoint delete: %w", err)
		}
	}
	return s.props.Delete(ctx, ActiveKey)
}

// SweepExpired deletes every record last updated more than maxAge ago,
// active or not, plus unreadable records. It returns the number deleted.
func (s *Store) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultRetention
	}
	records, err := s.props.List(ctx, RecordPrefix)
	if err != nil {
		return 0, fmt.Errorf("checkpoint list: %w", err)
	}
	cutoff := s.now().Add(-maxAge)
	deleted := 0
	for key, raw := range records {
		id := strings.TrimPrefix(key, RecordPrefix)
		st, err := decode(id, raw)
		if err == nil && !lastTouched(st).Before(cutoff) {
			continue
		}
		if err := s.props.Delete(ctx, key); err != nil {
			return deleted, fmt.Errorf("checkpoint sweep delete %s: %w", key, err)
		}
		deleted++
	}

	active, ok, err := s.props.Get(ctx, ActiveKey)
	if err != nil {
		return deleted, fmt.Errorf("checkpoint pointer: %w", err)
	}
	if ok {
		if _, exists, err := s.props.Get(ctx, recordKey(active)); err != nil {
			return deleted, fmt.Errorf("checkpoint read: %w", err)
		} else if !exists {
			if err := s.props.Delete(ctx, ActiveKey); err != nil {
				return deleted, fmt.Errorf("checkpoint pointer delete: %w", err)
			}
		}
	}
	if deleted > 0 {
		s.logger.Info("checkpoint sweep", zap.Int("deleted", deleted), zap.Duration("max_age", maxAge))
	}
	return deleted, nil
}

func lastTouched(st *State) time.Time {
	if !st.UpdatedAt.IsZero() {
		return st.UpdatedAt
	}
	return st.StartTime
}
