// Package transport implements the BSO (Basic Storage Object) wire
// contract external collaborators use to fetch and upload collection
// records, plus an HTTP implementation with retry/backoff and an
// in-memory fixture for tests.
package transport

import "context"

// BSO is one server-side storage object: an opaque encrypted payload plus
// the envelope metadata the sync loop needs without decrypting it.
type BSO struct {
	ID         string
	Modified   int64 // server timestamp, milliseconds since epoch
	Payload    string // JSON-encoded {ciphertext, IV, hmac}
	TTL        *int64
	SortIndex  *int
}

// Batch is one page of records to upload, bounded by the server's
// max-bytes/max-records limits.
type Batch struct {
	Records []BSO
}

// BatchResult reports per-record success/failure for an uploaded batch,
// mirroring the real BSO batch response shape.
type BatchResult struct {
	Success []string
	Failed  map[string]string // id -> reason
}

// CollectionInfo is one entry from the server's info/collections listing
// the collection name and its last-modified time.
type CollectionInfo struct {
	Name         string
	LastModified int64
}

// BSOTransport is the contract the sync loop driver uses to talk to the
// server. Implementations: an HTTP client (Client, below) and an
// in-memory fixture (transport/fixture) for tests. Consumer-defined,
// following the "accept interfaces, return structs" convention.
type BSOTransport interface {
	// InfoCollections returns the server's collection listing.
	InfoCollections(ctx context.Context) ([]CollectionInfo, error)

	// FetchMetaGlobal returns the raw meta/global payload and its sync_id.
	FetchMetaGlobal(ctx context.Context) (payload string, syncID string, err error)

	// FetchCryptoKeys returns the raw crypto/keys payload for deriving
	// per-collection keys.
	FetchCryptoKeys(ctx context.Context) (payload string, err error)

	// FetchPage returns one page of records newer than since, plus a
	// continuation token (empty when exhausted).
	FetchPage(ctx context.Context, collection string, since int64, token string) ([]BSO, string, error)

	// PutBatch uploads one batch of encrypted records.
	PutBatch(ctx context.Context, collection string, batch Batch) (BatchResult, error)

	// Delete removes records from the server (propagated tombstones that
	// have already aged out locally, or full-collection wipe when ids is
	// empty).
	Delete(ctx context.Context, collection string, ids []string) error
}
