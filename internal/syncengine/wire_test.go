package syncengine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftsync/engine/internal/storecore"
	"github.com/driftsync/engine/internal/transport/fixture"
)

func TestTransportAdapterRoundTripsFetchAndPutBatch(t *testing.T) {
	fx := fixture.New()
	adapter := NewTransportAdapter(fx)
	ctx := context.Background()

	success, failed, err := adapter.PutBatch(ctx, "bookmarks", []storecore.BSORecord{
		{ID: "rec-1", Modified: 10, Payload: "encrypted-body"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-1"}, success)
	assert.Empty(t, failed)

	page, _, err := adapter.FetchPage(ctx, "bookmarks", 0, "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "rec-1", page[0].ID)
	assert.Equal(t, "encrypted-body", page[0].Payload)
}

func TestTransportAdapterInfoCollections(t *testing.T) {
	fx := fixture.New()
	adapter := NewTransportAdapter(fx)
	ctx := context.Background()

	_, _, err := adapter.PutBatch(ctx, "history", []storecore.BSORecord{{ID: "a", Modified: 1}})
	require.NoError(t, err)

	infos, err := adapter.InfoCollections(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "history", infos[0].Name)
}

func TestTransportAdapterDelete(t *testing.T) {
	fx := fixture.New()
	adapter := NewTransportAdapter(fx)
	ctx := context.Background()

	_, _, err := adapter.PutBatch(ctx, "bookmarks", []storecore.BSORecord{{ID: "a", Modified: 1}})
	require.NoError(t, err)

	require.NoError(t, adapter.Delete(ctx, "bookmarks", []string{"a"}))

	page, _, err := adapter.FetchPage(ctx, "bookmarks", 0, "")
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestEnvelopeSealerRoundTrip(t *testing.T) {
	sealer := NewSealer()

	key := storecore.CollectionKey{}
	for i := range key.EncryptKey {
		key.EncryptKey[i] = byte(i)
	}
	for i := range key.HMACKey {
		key.HMACKey[i] = byte(i + 1)
	}

	sealed, err := sealer.Seal(key, []byte(`{"title":"x"}`))
	require.NoError(t, err)

	opened, err := sealer.Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"title":"x"}`, string(opened))
}

func TestSyncKeyProviderDerivesKeyWhenBundleHasDefaultSlot(t *testing.T) {
	provider := NewSyncKeyProvider([]byte("root-key-material"))

	key, err := provider.CollectionKey(context.Background(), "bookmarks", `{"default":["key-material"]}`)
	require.NoError(t, err)
	assert.NotZero(t, key.EncryptKey)
}

func TestSyncKeyProviderRejectsBundleMissingDefaultSlot(t *testing.T) {
	provider := NewSyncKeyProvider([]byte("root-key-material"))

	_, err := provider.CollectionKey(context.Background(), "bookmarks", `{"default":[]}`)
	assert.Error(t, err)
}

func TestSyncKeyProviderRejectsMalformedBundle(t *testing.T) {
	provider := NewSyncKeyProvider([]byte("root-key-material"))

	_, err := provider.CollectionKey(context.Background(), "bookmarks", `not-json`)
	assert.Error(t, err)
}

func TestDeduperRewiresLocalOnlyRecordOntoMatchingIncomingID(t *testing.T) {
	ctx := context.Background()

	schema := &storecore.SchemaDescriptor{
		Name:     "bookmarks",
		DedupeOn: []string{"url"},
	}

	dbPath := filepath.Join(t.TempDir(), "dedupe.db")
	store, err := storecore.OpenSQLiteStore(dbPath, schema, nil)
	require.NoError(t, err)
	defer store.Close()

	payload, err := json.Marshal(map[string]*storecore.FieldValue{"url": {String: "https://example.com"}})
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx,
		`INSERT INTO local_records (id, payload, parent_id, position, local_modified, sync_change_counter, sync_status, _sync_write)
		 VALUES (?, ?, '', 0, ?, 1, 'new', 1)`,
		"client-local-id", string(payload), time.Now().UnixNano())
	require.NoError(t, err)

	newLocal, err := store.Outgoing(ctx)
	require.NoError(t, err)
	require.Len(t, newLocal, 1)

	incoming := []*storecore.Record{
		{ID: "server-assigned-id", Fields: map[string]*storecore.FieldValue{"url": {String: "https://example.com"}}},
	}

	deduper := NewDeduper(schema, store.DB())
	require.NoError(t, deduper.Dedupe(ctx, newLocal, incoming))

	oldRow, err := store.LocalByID(ctx, "client-local-id")
	require.NoError(t, err)
	assert.Nil(t, oldRow, "the pre-rewire id must no longer resolve to a row")

	rewired, err := store.LocalByID(ctx, "server-assigned-id")
	require.NoError(t, err)
	require.NotNil(t, rewired, "dedupe must rewire the local-only id onto the incoming record's id")
	assert.Equal(t, "https://example.com", rewired.Fields["url"].String)
}

func TestDeduperLeavesRecordsAloneWhenDedupeOnFieldsDiffer(t *testing.T) {
	ctx := context.Background()

	schema := &storecore.SchemaDescriptor{
		Name:     "bookmarks",
		DedupeOn: []string{"url"},
	}

	dbPath := filepath.Join(t.TempDir(), "dedupe.db")
	store, err := storecore.OpenSQLiteStore(dbPath, schema, nil)
	require.NoError(t, err)
	defer store.Close()

	payload, err := json.Marshal(map[string]*storecore.FieldValue{"url": {String: "https://a.example.com"}})
	require.NoError(t, err)

	_, err = store.DB().ExecContext(ctx,
		`INSERT INTO local_records (id, payload, parent_id, position, local_modified, sync_change_counter, sync_status, _sync_write)
		 VALUES (?, ?, '', 0, ?, 1, 'new', 1)`,
		"client-local-id", string(payload), time.Now().UnixNano())
	require.NoError(t, err)

	newLocal, err := store.Outgoing(ctx)
	require.NoError(t, err)
	require.Len(t, newLocal, 1)

	incoming := []*storecore.Record{
		{ID: "server-assigned-id", Fields: map[string]*storecore.FieldValue{"url": {String: "https://b.example.com"}}},
	}

	deduper := NewDeduper(schema, store.DB())
	require.NoError(t, deduper.Dedupe(ctx, newLocal, incoming))

	local, err := store.LocalByID(ctx, "client-local-id")
	require.NoError(t, err)
	assert.NotNil(t, local, "non-matching dedupe_on fields must not be rewired")
}

func TestSyncKeyProviderIsDeterministicPerCollection(t *testing.T) {
	provider := NewSyncKeyProvider([]byte("root-key-material"))

	bundle := `{"default":["key-material"]}`

	k1, err := provider.CollectionKey(context.Background(), "bookmarks", bundle)
	require.NoError(t, err)

	k2, err := provider.CollectionKey(context.Background(), "bookmarks", bundle)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}
