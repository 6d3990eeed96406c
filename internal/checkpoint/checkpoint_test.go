package checkpoint

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"mailtriage/internal/domain"
	"mailtriage/internal/storage/memory"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(t *testing.T) (*Store, *memory.Properties, *fakeClock, *observer.ObservedLogs) {
	t.Helper()
	props := memory.NewProperties()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	core, logs := observer.New(zap.DebugLevel)
	return New(props, zap.New(core), clock.Now), props, clock, logs
}

func settings() domain.Settings {
	return domain.Settings{
		Provider:     "anthropic",
		APIKey:       "k",
		Mode:         domain.ModeLabel,
		Labels:       []string{"billing"},
		DefaultLabel: "unmatched",
	}
}

func putRecord(t *testing.T, props *memory.Properties, key string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, props.Set(context.Background(), key, string(data)))
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	s, props, clock, _ := newTestStore(t)

	st := &State{IsActive: true, ProcessedCount: 100, TotalEstimated: 250, LastProcessedID: "m100", Settings: settings(), TriggerID: "t1"}
	require.NoError(t, s.Save(ctx, st))
	require.Len(t, st.ID, 26)
	assert.Equal(t, CurrentVersion, st.Version)
	assert.Equal(t, clock.Now(), st.StartTime)

	active, ok, _ := props.Get(ctx, ActiveKey)
	require.True(t, ok)
	assert.Equal(t, st.ID, active)

	got, err := s.Load(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(st, got); diff != "" {
		t.Fatalf("loaded checkpoint differs (-saved +loaded):\n%s", diff)
	}
}

func TestSaveUpdatesExistingRecord(t *testing.T) {
	ctx := context.Background()
	s, props, clock, _ := newTestStore(t)

	st := &State{IsActive: true, TotalEstimated: 40, Settings: settings()}
	require.NoError(t, s.Save(ctx, st))
	id := st.ID

	clock.Advance(time.Minute)
	st.ProcessedCount = 20
	st.LastProcessedID = "m20"
	require.NoError(t, s.Save(ctx, st))

	assert.Equal(t, id, st.ID)
	records, _ := props.List(ctx, RecordPrefix)
	assert.Len(t, records, 1)
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, got.ProcessedCount)
	assert.Equal(t, clock.Now(), got.UpdatedAt)
}

func TestNewRecordSupersedesPrevious(t *testing.T) {
	ctx := context.Background()
	s, props, _, _ := newTestStore(t)

	first := &State{IsActive: true, Settings: settings()}
	require.NoError(t, s.Save(ctx, first))
	second := &State{IsActive: true, Settings: settings()}
	require.NoError(t, s.Save(ctx, second))

	assert.NotEqual(t, first.ID, second.ID)
	records, _ := props.List(ctx, RecordPrefix)
	assert.Equal(t, []string{RecordPrefix + second.ID}, keys(records))
	active, _, _ := props.Get(ctx, ActiveKey)
	assert.Equal(t, second.ID, active)
}

func TestLoadWithoutCheckpoint(t *testing.T) {
	s, _, _, _ := newTestStore(t)
	got, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLoadDiscardsCorruptRecord(t *testing.T) {
	ctx := context.Background()
	s, props, _, logs := newTestStore(t)
	require.NoError(t, props.Set(ctx, ActiveKey, "bad"))
	require.NoError(t, props.Set(ctx, RecordPrefix+"bad", `{"version":1,"id":"bad",`))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, ok, _ := props.Get(ctx, RecordPrefix+"bad")
	assert.False(t, ok)
	_, ok, _ = props.Get(ctx, ActiveKey)
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessage("checkpoint discarded").Len())
}

func TestLoadRejectsInvalidRecords(t *testing.T) {
	tests := map[string]any{
		"future version":   map[string]any{"version": 7, "id": "x", "start_time": time.Now()},
		"negative counter": map[string]any{"version": 1, "id": "x", "processed_count": -1, "start_time": time.Now()},
		"no start time":    map[string]any{"version": 1, "id": "x"},
		"id mismatch":      map[string]any{"version": 1, "id": "y", "start_time": time.Now()},
		"legacy no start":  map[string]any{"isActive": true},
	}
	for name, record := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, props, _, _ := newTestStore(t)
			require.NoError(t, props.Set(ctx, ActiveKey, "x"))
			putRecord(t, props, RecordPrefix+"x", record)

			got, err := s.Load(ctx)
			require.NoError(t, err)
			assert.Nil(t, got)
			records, _ := props.List(ctx, RecordPrefix)
			assert.Empty(t, records)
		})
	}
}

func TestLoadDropsDanglingPointer(t *testing.T) {
	ctx := context.Background()
	s, props, _, _ := newTestStore(t)
	require.NoError(t, props.Set(ctx, ActiveKey, "gone"))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
	_, ok, _ := props.Get(ctx, ActiveKey)
	assert.False(t, ok)
}

func TestLoadMigratesLegacyRecord(t *testing.T) {
	ctx := context.Background()
	s, props, _, _ := newTestStore(t)
	start := time.Date(2026, 2, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, props.Set(ctx, ActiveKey, "legacy"))
	putRecord(t, props, RecordPrefix+"legacy", map[string]any{
		"isActive":        true,
		"processedCount":  60,
		"totalEstimated":  200,
		"startTime":       start.UnixMilli(),
		"lastProcessedId": "m60",
		"triggerId":       "trig",
		"settings":        map[string]any{"apiKey": "k", "prompt": "be brief", "defaultLabel": "Unsorted"},
	})

	got, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	want := &State{
		Version:         CurrentVersion,
		ID:              "legacy",
		IsActive:        true,
		ProcessedCount:  60,
		TotalEstimated:  200,
		StartTime:       start,
		LastProcessedID: "m60",
		TriggerID:       "trig",
		Settings:        domain.Settings{APIKey: "k", Mode: domain.ModeLabel, SystemPrompt: "be brief", DefaultLabel: "Unsorted"},
		UpdatedAt:       start,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("migration mismatch (-want +got):\n%s", diff)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s, props, _, _ := newTestStore(t)
	require.NoError(t, s.Save(ctx, &State{IsActive: true, Settings: settings()}))
	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Clear(ctx))

	records, _ := props.List(ctx, RecordPrefix)
	assert.Empty(t, records)
	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	s, props, clock, _ := newTestStore(t)
	now := clock.Now()

	record := func(id string, updated time.Time, active bool) State {
		return State{Version: 1, ID: id, IsActive: active, StartTime: updated.Add(-time.Hour), UpdatedAt: updated}
	}
	putRecord(t, props, RecordPrefix+"old-active", record("old-active", now.Add(-25*time.Hour), true))
	putRecord(t, props, RecordPrefix+"old-inactive", record("old-inactive", now.Add(-48*time.Hour), false))
	putRecord(t, props, RecordPrefix+"fresh", record("fresh", now.Add(-2*time.Hour), false))
	require.NoError(t, props.Set(ctx, RecordPrefix+"junk", "not json"))
	require.NoError(t, props.Set(ctx, ActiveKey, "old-active"))

	n, err := s.SweepExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	records, _ := props.List(ctx, RecordPrefix)
	assert.Equal(t, []string{RecordPrefix + "fresh"}, keys(records))
	_, ok, _ := props.Get(ctx, ActiveKey)
	assert.False(t, ok, "pointer to a swept record must go too")
}

func TestSweepKeepsLiveActivePointer(t *testing.T) {
	ctx := context.Background()
	s, props, _, _ := newTestStore(t)
	st := &State{IsActive: true, Settings: settings()}
	require.NoError(t, s.Save(ctx, st))

	n, err := s.SweepExpired(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
	active, ok, _ := props.Get(ctx, ActiveKey)
	assert.True(t, ok)
	assert.Equal(t, st.ID, active)
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
