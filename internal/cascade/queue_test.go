package cascade

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shotleybuilder/sertantai-ingest/internal/model"
	"github.com/shotleybuilder/sertantai-ingest/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "cascade.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func mustKey(t *testing.T, s string) model.RecordKey {
	t.Helper()
	k, err := model.ParseRecordKey(s)
	require.NoError(t, err)
	return k
}

func reparse(t *testing.T, s string) model.Reference {
	t.Helper()
	return model.Reference{Key: mustKey(t, s), UpdateKind: model.UpdateReParse}
}

func enactLink(t *testing.T, s string) model.Reference {
	t.Helper()
	return model.Reference{Key: mustKey(t, s), UpdateKind: model.UpdateEnactmentLink}
}

func TestEnqueueCreatesEntriesOneLayerDown(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()
	src := mustKey(t, "uksi/2013/1471")

	err := q.Enqueue(ctx, "sess-1", src, 0, []model.Reference{
		reparse(t, "uksi/1995/3163"),
		enactLink(t, "ukpga/1974/37"),
	})
	require.NoError(t, err)

	entries, err := st.ListCascade(ctx, store.CascadeFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, 1, e.Layer)
		assert.Equal(t, model.EntryPending, e.Status)
		assert.Equal(t, []string{"uksi/2013/1471"}, e.SourceKeys)
	}

	found, err := st.FindCascadeEntry(ctx, "sess-1", mustKey(t, "ukpga/1974/37"))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, model.UpdateEnactmentLink, found.UpdateKind)
}

func TestEnqueueFiltersSelfReference(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()
	src := mustKey(t, "uksi/2013/1471")

	err := q.Enqueue(ctx, "sess-1", src, 0, []model.Reference{
		reparse(t, "uksi/2013/1471"),
		reparse(t, "uksi/1995/3163"),
	})
	require.NoError(t, err)

	self, err := st.FindCascadeEntry(ctx, "sess-1", src)
	require.NoError(t, err)
	assert.Nil(t, self)

	entries, err := st.ListCascade(ctx, store.CascadeFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestEnqueueRequiresSession(t *testing.T) {
	q := NewQueue(newTestStore(t))
	err := q.Enqueue(context.Background(), "", mustKey(t, "uksi/2013/1471"), 0, []model.Reference{reparse(t, "uksi/1995/3163")})
	require.Error(t, err)
}

func TestEnqueueMergesNominations(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()
	target := "uksi/1995/3163"

	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2013/1471"), 0, []model.Reference{reparse(t, target)}))
	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2015/1682"), 1, []model.Reference{reparse(t, target)}))

	entries, err := st.ListCascade(ctx, store.CascadeFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].Layer)
	assert.Equal(t, []string{"uksi/2013/1471", "uksi/2015/1682"}, entries[0].SourceKeys)
}

func TestEnqueueRepeatIsNoOp(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()
	src := mustKey(t, "uksi/2013/1471")
	refs := []model.Reference{reparse(t, "uksi/1995/3163"), enactLink(t, "ukpga/1974/37")}

	require.NoError(t, q.Enqueue(ctx, "sess-1", src, 0, refs))
	require.NoError(t, q.Enqueue(ctx, "sess-1", src, 0, refs))

	entries, err := st.ListCascade(ctx, store.CascadeFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, []string{"uksi/2013/1471"}, e.SourceKeys)
	}
}

func TestEnqueueUpgradesUpdateKind(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()
	target := mustKey(t, "ukpga/1974/37")

	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2013/1471"), 0, []model.Reference{enactLink(t, "ukpga/1974/37")}))
	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2015/1682"), 0, []model.Reference{reparse(t, "ukpga/1974/37")}))

	entry, err := st.FindCascadeEntry(ctx, "sess-1", target)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.UpdateReParse, entry.UpdateKind)

	// A later enactment-link nomination never downgrades it.
	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2016/1"), 0, []model.Reference{enactLink(t, "ukpga/1974/37")}))
	entry, err = st.FindCascadeEntry(ctx, "sess-1", target)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.UpdateReParse, entry.UpdateKind)
}

func TestEnqueueBeyondDepthIsDeferred(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st, WithMaxDepth(2))
	ctx := context.Background()
	target := mustKey(t, "uksi/1995/3163")

	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2013/1471"), 2, []model.Reference{reparse(t, "uksi/1995/3163")}))

	entry, err := st.FindCascadeEntry(ctx, "sess-1", target)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry.Layer)
	assert.Equal(t, model.EntryDeferred, entry.Status)

	pending, err := q.DequeuePending(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Re-discovered through a shallower path: back inside the cap, so it
	// becomes actionable.
	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2015/1682"), 1, []model.Reference{reparse(t, "uksi/1995/3163")}))
	entry, err = st.FindCascadeEntry(ctx, "sess-1", target)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.Layer)
	assert.Equal(t, model.EntryPending, entry.Status)
}

func TestMarkProcessed(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()
	target := mustKey(t, "uksi/1995/3163")

	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2013/1471"), 0, []model.Reference{reparse(t, "uksi/1995/3163")}))
	require.NoError(t, q.MarkProcessed(ctx, "sess-1", target))

	entry, err := st.FindCascadeEntry(ctx, "sess-1", target)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.EntryProcessed, entry.Status)

	pending, err := q.DequeuePending(ctx, "sess-1", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Closing again, or closing a record that was never queued, is fine.
	require.NoError(t, q.MarkProcessed(ctx, "sess-1", target))
	require.NoError(t, q.MarkProcessed(ctx, "sess-1", mustKey(t, "uksi/2000/9999")))
}

func TestProcessedEntryNeverReopens(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()
	target := mustKey(t, "uksi/1995/3163")

	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2013/1471"), 0, []model.Reference{reparse(t, "uksi/1995/3163")}))
	require.NoError(t, q.MarkProcessed(ctx, "sess-1", target))
	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2015/1682"), 0, []model.Reference{reparse(t, "uksi/1995/3163")}))

	entry, err := st.FindCascadeEntry(ctx, "sess-1", target)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, model.EntryProcessed, entry.Status)
	assert.Equal(t, []string{"uksi/2013/1471", "uksi/2015/1682"}, entry.SourceKeys)
}

func TestDequeueShallowestFirst(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2015/1682"), 1, []model.Reference{reparse(t, "uksi/2002/2677")}))
	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2013/1471"), 0, []model.Reference{reparse(t, "uksi/1995/3163")}))

	pending, err := q.DequeuePending(ctx, "sess-1", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Layer)
	assert.Equal(t, "uksi/1995/3163", pending[0].Key.String())
	assert.Equal(t, 2, pending[1].Layer)

	one, err := q.DequeuePending(ctx, "sess-1", 1)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, 1, one[0].Layer)
}

func TestClearRemovesOnlyTheSession(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "sess-1", mustKey(t, "uksi/2013/1471"), 0, []model.Reference{
		reparse(t, "uksi/1995/3163"),
		enactLink(t, "ukpga/1974/37"),
	}))
	require.NoError(t, q.Enqueue(ctx, "sess-2", mustKey(t, "uksi/2013/1471"), 0, []model.Reference{reparse(t, "uksi/1995/3163")}))

	removed, err := q.Clear(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := st.ListCascade(ctx, store.CascadeFilter{SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Empty(t, left)

	other, err := st.ListCascade(ctx, store.CascadeFilter{SessionID: "sess-2"})
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
