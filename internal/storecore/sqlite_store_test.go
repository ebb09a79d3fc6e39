package storecore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() *SchemaDescriptor {
	return &SchemaDescriptor{
		Name: "testcoll",
		FieldStrategies: []FieldStrategy{
			{Name: "title", Strategy: TakeNewest},
		},
		DedupeOn:   []string{"url"},
		Tombstones: PreferUpdates,
	}
}

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := OpenSQLiteStore(dbPath, testSchema(), nil)
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store
}

func identityReconcile(_, _, incoming *Record) (*Record, *Record, error) {
	if incoming == nil {
		return nil, nil, nil
	}

	return incoming.Clone(), nil, nil
}

func TestOpenSQLiteStoreFreshDatabase(t *testing.T) {
	store := openTestStore(t)

	assert.Equal(t, "testcoll", store.CollectionName())

	syncID, err := store.GetSyncID(context.Background())
	require.NoError(t, err)
	assert.Empty(t, syncID)

	lastSync, err := store.LastSync(context.Background())
	require.NoError(t, err)
	assert.True(t, lastSync.IsZero())
}

func TestSetSyncIDRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSyncID(ctx, "abc-123"))

	got, err := store.GetSyncID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc-123", got)
}

func TestApplyIncomingInsertsNewRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	incoming := &Record{
		ID:             "rec-1",
		Fields:         map[string]*FieldValue{"title": {String: "Example"}},
		ServerModified: time.Unix(100, 0),
	}

	rejected, err := store.ApplyIncoming(ctx, []*Record{incoming}, identityReconcile)
	require.NoError(t, err)
	assert.Empty(t, rejected)

	local, err := store.LocalByID(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, "Example", local.Fields["title"].String)
	assert.Equal(t, StatusNormal, local.SyncStatus)

	mirror, err := store.MirrorByID(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, mirror)
	assert.Equal(t, "Example", mirror.Fields["title"].String)
}

func TestApplyIncomingDeletionRemovesLocalRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	incoming := &Record{ID: "rec-1", Fields: map[string]*FieldValue{"title": {String: "x"}}}
	_, err := store.ApplyIncoming(ctx, []*Record{incoming}, identityReconcile)
	require.NoError(t, err)

	deleteReconcile := func(local, mirror, incoming *Record) (*Record, *Record, error) { return nil, nil, nil }

	_, err = store.ApplyIncoming(ctx, []*Record{incoming}, deleteReconcile)
	require.NoError(t, err)

	local, err := store.LocalByID(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, local)
}

func TestApplyIncomingTombstoneDeletesLocalAndMirrorWithoutPanicking(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	incoming := &Record{ID: "rec-1", Fields: map[string]*FieldValue{"title": {String: "x"}}}
	_, err := store.ApplyIncoming(ctx, []*Record{incoming}, identityReconcile)
	require.NoError(t, err)

	tombstone := &Record{ID: "rec-1", Deleted: true}

	require.NotPanics(t, func() {
		_, err = store.ApplyIncoming(ctx, []*Record{tombstone}, identityReconcile)
	})
	require.NoError(t, err)

	local, err := store.LocalByID(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, local)

	mirror, err := store.MirrorByID(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, mirror, "a tombstone must clear the mirror row, not upsert an empty body over it")
}

func TestApplyIncomingPersistsForkedRecordAlongsideMerged(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	incoming := &Record{ID: "rec-1", Fields: map[string]*FieldValue{"title": {String: "x"}}}
	_, err := store.ApplyIncoming(ctx, []*Record{incoming}, identityReconcile)
	require.NoError(t, err)

	forkReconcile := func(_, _, incoming *Record) (*Record, *Record, error) {
		merged := incoming.Clone()
		forked := &Record{
			ID:         "rec-1-fork",
			Fields:     map[string]*FieldValue{"title": {String: "forked"}},
			SyncStatus: StatusNew,
		}

		return merged, forked, nil
	}

	_, err = store.ApplyIncoming(ctx, []*Record{incoming}, forkReconcile)
	require.NoError(t, err)

	forked, err := store.LocalByID(ctx, "rec-1-fork")
	require.NoError(t, err)
	require.NotNil(t, forked)
	assert.Equal(t, "forked", forked.Fields["title"].String)
	assert.Equal(t, StatusNew, forked.SyncStatus)
}

func TestApplyIncomingMalformedRecordIsRejectedNotAborted(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	good := &Record{ID: "good", Fields: map[string]*FieldValue{"title": {String: "ok"}}}
	bad := &Record{ID: "bad", Fields: map[string]*FieldValue{"title": {String: "bad"}}}

	reconcileFn := func(local, mirror, incoming *Record) (*Record, *Record, error) {
		if incoming.ID == "bad" {
			return nil, nil, fmt.Errorf("%w: missing required field", ErrInvalidRecord)
		}

		return incoming.Clone(), nil, nil
	}

	rejected, err := store.ApplyIncoming(ctx, []*Record{good, bad}, reconcileFn)
	require.NoError(t, err)
	assert.Equal(t, []string{"bad"}, rejected)

	localGood, err := store.LocalByID(ctx, "good")
	require.NoError(t, err)
	assert.NotNil(t, localGood)

	malformed, err := store.MalformedRecords(ctx)
	require.NoError(t, err)
	require.Len(t, malformed, 1)
	assert.Equal(t, "bad", malformed[0].ID)
}

func TestOutgoingReturnsOnlyNonNormalRows(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	incoming := &Record{ID: "synced", Fields: map[string]*FieldValue{"title": {String: "x"}}}
	_, err := store.ApplyIncoming(ctx, []*Record{incoming}, identityReconcile)
	require.NoError(t, err)

	// Simulate a local mutation on a second row by inserting directly as 'new'.
	upsertDirect := func(rec *Record) {
		_, err := store.db.ExecContext(ctx, sqlUpsertLocal,
			rec.ID, `{}`, rec.ParentID, rec.Position, rec.LocalModified.UnixNano(),
			rec.SyncChangeCounter, rec.SyncStatus.String())
		require.NoError(t, err)
	}
	upsertDirect(&Record{ID: "new-rec", SyncStatus: StatusNew, LocalModified: time.Now()})

	outgoing, err := store.Outgoing(ctx)
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, "new-rec", outgoing[0].ID)
}

func TestSyncFinishedMarksAppliedRecordsNormal(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, sqlUpsertLocal,
		"rec-1", `{}`, "", 0, time.Now().UnixNano(), 1, StatusNew.String())
	require.NoError(t, err)

	newLastSync := time.Unix(500, 0)
	require.NoError(t, store.SyncFinished(ctx, []string{"rec-1"}, newLastSync))

	local, err := store.LocalByID(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, StatusNormal, local.SyncStatus)

	lastSync, err := store.LastSync(ctx)
	require.NoError(t, err)
	assert.Equal(t, newLastSync.UnixNano(), lastSync.UnixNano())
}

func TestRecordTombstoneThenByID(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordTombstone(ctx, "gone"))

	ts, err := store.TombstoneByID(ctx, "gone")
	require.NoError(t, err)
	require.NotNil(t, ts)
	assert.Equal(t, "gone", ts.ID)

	absent, err := store.TombstoneByID(ctx, "never-existed")
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestWipeClearsEverything(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	incoming := &Record{ID: "rec-1", Fields: map[string]*FieldValue{"title": {String: "x"}}}
	_, err := store.ApplyIncoming(ctx, []*Record{incoming}, identityReconcile)
	require.NoError(t, err)
	require.NoError(t, store.SetSyncID(ctx, "sync-1"))

	require.NoError(t, store.Wipe(ctx))

	local, err := store.LocalByID(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, local)

	syncID, err := store.GetSyncID(ctx)
	require.NoError(t, err)
	assert.Empty(t, syncID)
}

func TestResetKeepsLocalDataButClearsMirrorAndMeta(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	incoming := &Record{ID: "rec-1", Fields: map[string]*FieldValue{"title": {String: "x"}}}
	_, err := store.ApplyIncoming(ctx, []*Record{incoming}, identityReconcile)
	require.NoError(t, err)
	require.NoError(t, store.SetSyncID(ctx, "sync-1"))

	require.NoError(t, store.Reset(ctx))

	local, err := store.LocalByID(ctx, "rec-1")
	require.NoError(t, err)
	assert.NotNil(t, local, "reset must keep local data")

	mirror, err := store.MirrorByID(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, mirror, "reset must clear mirror state")

	syncID, err := store.GetSyncID(ctx)
	require.NoError(t, err)
	assert.Empty(t, syncID, "reset must clear sync_id")
}
