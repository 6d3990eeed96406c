package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtriage/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "mailtriage-test.db")
	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInitDBAddsMarkedAtColumn(t *testing.T) {
	db := newTestDB(t)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('messages') WHERE name = 'marked_at'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestInitDBIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	db, err := InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}

func TestProperties(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	alice := NewProperties(db, "alice")
	bob := NewProperties(db, "bob")

	_, ok, err := alice.Get(ctx, "triage.lock")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, alice.Set(ctx, "triage.checkpoint.a", "1"))
	require.NoError(t, alice.Set(ctx, "triage.checkpoint.b", "2"))
	require.NoError(t, alice.Set(ctx, "triage.checkpoint.b", "3"))
	require.NoError(t, alice.Set(ctx, "Triage.checkpoint.c", "case"))
	require.NoError(t, alice.Set(ctx, "triage_checkpoint_d", "underscore"))
	require.NoError(t, bob.Set(ctx, "triage.checkpoint.a", "bob"))

	v, ok, err := alice.Get(ctx, "triage.checkpoint.b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "3", v)

	got, err := alice.List(ctx, "triage.checkpoint.")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"triage.checkpoint.a": "1", "triage.checkpoint.b": "3"}, got)

	all, err := bob.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"triage.checkpoint.a": "bob"}, all)

	require.NoError(t, alice.Delete(ctx, "triage.checkpoint.a"))
	require.NoError(t, alice.Delete(ctx, "triage.checkpoint.a"))
	_, ok, err = alice.Get(ctx, "triage.checkpoint.a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, _ = bob.Get(ctx, "triage.checkpoint.a")
	assert.True(t, ok)
}

func TestMailboxOrderAndFilters(t *testing.T) {
	ctx := context.Background()
	m := NewMailbox(newTestDB(t))

	n, err := m.InsertMessages(ctx, []domain.WorkItem{
		{ID: "m3", Subject: "Invoice overdue", Body: "please pay"},
		{ID: "m1", ThreadID: "t1", Subject: "Hello", Body: "100% sure"},
		{ID: "m2", Subject: "lunch?", Body: "INVOICE attached"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = m.InsertMessages(ctx, []domain.WorkItem{{ID: "m1", Subject: "dup"}, {ID: "m4"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	items, err := m.ListCandidates(ctx, domain.Query{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m1", "m2", "m4"}, ids(items))
	assert.Equal(t, "t1", items[1].ThreadID)
	assert.Equal(t, "Hello", items[1].Subject)

	items, err = m.ListCandidates(ctx, domain.Query{Text: "invoice"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m2"}, ids(items))

	items, err = m.ListCandidates(ctx, domain.Query{Text: "100%"}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(items))

	items, err = m.ListCandidates(ctx, domain.Query{}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3", "m1"}, ids(items))

	require.NoError(t, m.ApplyTerminalMarker(ctx, "m3", domain.MarkerOK))
	items, err = m.ListCandidates(ctx, domain.Query{}, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2", "m4"}, ids(items))

	items, err = m.ListCandidates(ctx, domain.Query{IncludeTerminal: true}, 0)
	require.NoError(t, err)
	assert.Len(t, items, 4)
}

func TestMailboxMutations(t *testing.T) {
	ctx := context.Background()
	m := NewMailbox(newTestDB(t))
	_, err := m.InsertMessages(ctx, []domain.WorkItem{{ID: "m1"}, {ID: "m2"}})
	require.NoError(t, err)

	require.NoError(t, m.ApplyOutcomeLabel(ctx, "m1", "billing"))
	require.NoError(t, m.ApplyOutcomeLabel(ctx, "m1", "billing"))
	require.NoError(t, m.ApplyOutcomeLabel(ctx, "m1", "urgent"))
	require.NoError(t, m.CreateDraftOrReply(ctx, "m1", "Thanks, paid."))
	require.NoError(t, m.ApplyTerminalMarker(ctx, "m1", domain.MarkerOK))
	require.NoError(t, m.ApplyTerminalMarker(ctx, "m2", domain.MarkerError))
	assert.Error(t, m.ApplyTerminalMarker(ctx, "missing", domain.MarkerOK))

	labels, err := m.Labels(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"billing", "urgent"}, labels)

	drafts, err := m.Drafts(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Thanks, paid."}, drafts)

	marker, err := m.Marker(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, domain.MarkerError, marker)

	counts, err := m.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[domain.Marker]int{domain.MarkerOK: 1, domain.MarkerError: 1}, counts)
}

func ids(items []domain.WorkItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.ID
	}
	return out
}
