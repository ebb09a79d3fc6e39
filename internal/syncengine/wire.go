// Package syncengine wires internal/storecore's Driver to a concrete
// internal/transport.BSOTransport and internal/crypto envelope, the way
// cmd/syncctl assembles a runnable sync cycle for one collection.
package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/driftsync/engine/internal/crypto"
	"github.com/driftsync/engine/internal/storecore"
	"github.com/driftsync/engine/internal/storecore/reconcile"
	"github.com/driftsync/engine/internal/transport"
)

// transportAdapter satisfies storecore.BSOTransport by delegating to a
// transport.BSOTransport, translating between the two packages' parallel
// (but independently declared) wire types.
type transportAdapter struct {
	inner transport.BSOTransport
}

// NewTransportAdapter adapts a transport.BSOTransport for use by a
// storecore.Driver.
func NewTransportAdapter(inner transport.BSOTransport) storecore.BSOTransport {
	return &transportAdapter{inner: inner}
}

func (a *transportAdapter) InfoCollections(ctx context.Context) ([]storecore.CollectionInfo, error) {
	infos, err := a.inner.InfoCollections(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]storecore.CollectionInfo, len(infos))
	for i, info := range infos {
		out[i] = storecore.CollectionInfo{Name: info.Name, LastModified: info.LastModified}
	}

	return out, nil
}

func (a *transportAdapter) FetchMetaGlobal(ctx context.Context) (string, string, error) {
	return a.inner.FetchMetaGlobal(ctx)
}

func (a *transportAdapter) FetchCryptoKeys(ctx context.Context) (string, error) {
	return a.inner.FetchCryptoKeys(ctx)
}

func (a *transportAdapter) FetchPage(ctx context.Context, collection string, since int64, token string) ([]storecore.BSORecord, string, error) {
	page, next, err := a.inner.FetchPage(ctx, collection, since, token)
	if err != nil {
		return nil, "", err
	}

	out := make([]storecore.BSORecord, len(page))
	for i, bso := range page {
		out[i] = storecore.BSORecord{ID: bso.ID, Modified: bso.Modified, Payload: bso.Payload, TTL: bso.TTL, SortIndex: bso.SortIndex}
	}

	return out, next, nil
}

func (a *transportAdapter) PutBatch(ctx context.Context, collection string, records []storecore.BSORecord) ([]string, map[string]string, error) {
	batch := transport.Batch{Records: make([]transport.BSO, len(records))}

	for i, rec := range records {
		batch.Records[i] = transport.BSO{ID: rec.ID, Modified: rec.Modified, Payload: rec.Payload, TTL: rec.TTL, SortIndex: rec.SortIndex}
	}

	result, err := a.inner.PutBatch(ctx, collection, batch)
	if err != nil {
		return nil, nil, err
	}

	return result.Success, result.Failed, nil
}

func (a *transportAdapter) Delete(ctx context.Context, collection string, ids []string) error {
	return a.inner.Delete(ctx, collection, ids)
}

// envelopeSealer satisfies storecore.Sealer using internal/crypto's
// AES-CBC+HMAC envelope.
type envelopeSealer struct{}

// NewSealer returns the production Sealer.
func NewSealer() storecore.Sealer { return envelopeSealer{} }

func (envelopeSealer) Seal(key storecore.CollectionKey, cleartext []byte) (string, error) {
	return crypto.Encrypt(crypto.CollectionKey{EncryptKey: key.EncryptKey, HMACKey: key.HMACKey}, cleartext)
}

func (envelopeSealer) Open(key storecore.CollectionKey, payload string) ([]byte, error) {
	return crypto.Decrypt(crypto.CollectionKey{EncryptKey: key.EncryptKey, HMACKey: key.HMACKey}, payload)
}

// syncKeyProvider derives each collection's key from one externally
// supplied root sync key via HKDF, ignoring the server's crypto/keys
// bundle beyond confirming it names this collection's default key slot —
// the actual key-management handshake is an external collaborator's
// responsibility; this provider is the part the engine owns.
type syncKeyProvider struct {
	syncKey []byte
}

// NewSyncKeyProvider returns a KeyProvider that derives per-collection
// keys from a single root sync key, the simplest of the supported
// key-management schemes.
func NewSyncKeyProvider(syncKey []byte) storecore.KeyProvider {
	return &syncKeyProvider{syncKey: syncKey}
}

// rewireDeduper satisfies storecore.Deduper by adapting the reconcile
// package's cross-id dedupe pass (FindDuplicates/ApplyRewire) to the
// Driver-shaped interface: storecore can't import reconcile directly
// (reconcile already imports storecore), so this package — which already
// depends on both — is where the two sides meet.
type rewireDeduper struct {
	schema *storecore.SchemaDescriptor
	db     *sql.DB
}

// NewDeduper returns a Deduper that rewires a collection's StatusNew local
// records onto a matching incoming record's id, per schema.DedupeOn, using
// db (the store's own connection, via SQLiteStore.DB()) for the rewire.
func NewDeduper(schema *storecore.SchemaDescriptor, db *sql.DB) storecore.Deduper {
	return &rewireDeduper{schema: schema, db: db}
}

func (d *rewireDeduper) Dedupe(ctx context.Context, newLocal, incoming []*storecore.Record) error {
	for _, c := range reconcile.FindDuplicates(d.schema, newLocal, incoming) {
		if err := reconcile.ApplyRewire(ctx, d.db, c); err != nil {
			return fmt.Errorf("syncengine: rewiring duplicate %s -> %s: %w", c.RewireID, c.KeepID, err)
		}
	}

	return nil
}

func (p *syncKeyProvider) CollectionKey(_ context.Context, collection, cryptoKeysPayload string) (storecore.CollectionKey, error) {
	var bundle struct {
		Default []string `json:"default"`
	}

	if err := json.Unmarshal([]byte(cryptoKeysPayload), &bundle); err != nil {
		return storecore.CollectionKey{}, fmt.Errorf("syncengine: decoding crypto/keys bundle: %w", err)
	}

	if len(bundle.Default) == 0 {
		return storecore.CollectionKey{}, fmt.Errorf("syncengine: crypto/keys bundle has no default key slot")
	}

	derived, err := crypto.DeriveCollectionKey(p.syncKey, collection)
	if err != nil {
		return storecore.CollectionKey{}, err
	}

	return storecore.CollectionKey{EncryptKey: derived.EncryptKey, HMACKey: derived.HMACKey}, nil
}
