package storecore

import (
	"context"
	"time"
)

// Store is the persistence contract every collection engine operates
// against. It owns the local table, the mirror table, the tombstone
// table and the per-collection metadata row, and is the sole writer to
// its underlying database.
type Store interface {
	// CollectionName returns the name this store instance was opened for.
	CollectionName() string

	// GetSyncID returns the server-assigned collection identity, or "" if
	// this collection has never synced.
	GetSyncID(ctx context.Context) (string, error)
	SetSyncID(ctx context.Context, syncID string) error

	// LastSync returns the server timestamp of the last successful sync,
	// the zero time if never synced.
	LastSync(ctx context.Context) (time.Time, error)

	// GlobalChangeCounter returns the global_sync_change_counter value
	// stored in collection_meta, 0 when unset. Neither the change-tracker
	// triggers nor the store write that key, so it is not bumped on local
	// mutations.
	GlobalChangeCounter(ctx context.Context) (int64, error)

	// LocalByID returns the local-table row for id, or (nil, nil) if
	// absent.
	LocalByID(ctx context.Context, id string) (*Record, error)
	// MirrorByID returns the mirror-table row for id, or (nil, nil).
	MirrorByID(ctx context.Context, id string) (*Record, error)

	// Outgoing returns every local row whose SyncStatus is not
	// StatusNormal, i.e. the candidate set for fetch_outgoing.
	Outgoing(ctx context.Context) ([]*Record, error)

	// ApplyIncoming merges one page of server records into the local and
	// mirror tables transactionally, delegating the actual merge decision
	// to the given Reconciler. Returns the ids whose reconcile call failed;
	// those are recorded as malformed and skipped.
	ApplyIncoming(ctx context.Context, incoming []*Record, reconcile ReconcileFunc) ([]string, error)

	// SyncFinished clears the applied records' change-tracking state and
	// advances last_sync, all within one transaction, then runs a passive
	// WAL checkpoint.
	SyncFinished(ctx context.Context, appliedIDs []string, newLastSync time.Time) error

	// RecordTombstone marks id deleted locally, producing a Tombstone even
	// if the record itself was never seen by this device. Outgoing reads
	// only local_records, so tombstones are not part of fetch_outgoing.
	RecordTombstone(ctx context.Context, id string) error
	// TombstoneByID returns the tombstone for id, or (nil, nil).
	TombstoneByID(ctx context.Context, id string) (*Tombstone, error)

	// MalformedRecords lists every record apply_incoming has rejected since
	// the store was last wiped; entries accumulate across passes.
	MalformedRecords(ctx context.Context) ([]MalformedRecord, error)

	// NextSyncAllowedAt returns the backoff deadline persisted from a
	// BackedOff error, the zero time if none is set.
	NextSyncAllowedAt(ctx context.Context) (time.Time, error)
	SetNextSyncAllowedAt(ctx context.Context, t time.Time) error

	// Reset clears sync_id/last_sync/delta state and the mirror, keeps
	// local data, and marks every local row new so it uploads again.
	Reset(ctx context.Context) error
	// Wipe clears all stored data including local records.
	Wipe(ctx context.Context) error

	// Checkpoint runs a WAL checkpoint; Close releases the connection.
	Checkpoint() error
	Close() error
}

// MalformedRecord is a rejected incoming record kept for observability.
// Outgoing does not consult malformed_records, so the record's local row
// is not excluded from uploads.
type MalformedRecord struct {
	ID        string
	Reason    string
	FirstSeen time.Time
}

// ReconcileFunc merges one (local, mirror, incoming) triple and returns
// the record to persist locally, or nil if the record should be deleted.
// forked is non-nil only when a Duplicate-strategy field genuinely
// conflicted on both sides: it is a second local-only record ApplyIncoming
// persists alongside merged rather than losing one side's edit. Any
// non-nil error marks the record malformed instead of aborting the whole
// batch.
type ReconcileFunc func(local, mirror, incoming *Record) (merged, forked *Record, err error)
