package storecore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentBatchUploads bounds how many batches a single sync cycle
// uploads in flight at once.
const maxConcurrentBatchUploads = 4

// SyncReason records why a cycle ran, for logging and metrics.
type SyncReason int

const (
	ReasonManual SyncReason = iota
	ReasonScheduled
	ReasonPush
	ReasonStartup
)

func (r SyncReason) String() string {
	switch r {
	case ReasonManual:
		return "manual"
	case ReasonScheduled:
		return "scheduled"
	case ReasonPush:
		return "push"
	case ReasonStartup:
		return "startup"
	default:
		return "unknown"
	}
}

// SyncReport summarizes one completed (or aborted) sync cycle.
type SyncReport struct {
	Collection      string
	Reason          SyncReason
	Duration        time.Duration
	NoChanges       bool
	DidReset        bool
	RecordsApplied  int
	RecordsRejected int
	RecordsUploaded int
	Interrupted     bool
}

// BSOTransport is the subset of transport.BSOTransport the driver depends
// on, declared here rather than imported so storecore has no compile-time
// dependency on the transport package (consumer-defined interface).
type BSOTransport interface {
	InfoCollections(ctx context.Context) ([]CollectionInfo, error)
	FetchMetaGlobal(ctx context.Context) (payload string, syncID string, err error)
	FetchCryptoKeys(ctx context.Context) (payload string, err error)
	FetchPage(ctx context.Context, collection string, since int64, token string) ([]BSORecord, string, error)
	PutBatch(ctx context.Context, collection string, records []BSORecord) (uploaded []string, failed map[string]string, err error)
	Delete(ctx context.Context, collection string, ids []string) error
}

// CollectionInfo mirrors transport.CollectionInfo, redeclared here to keep
// the BSOTransport interface self-contained.
type CollectionInfo struct {
	Name         string
	LastModified int64
}

// BSORecord mirrors transport.BSO, redeclared here for the same reason.
type BSORecord struct {
	ID        string
	Modified  int64
	Payload   string
	TTL       *int64
	SortIndex *int
}

// KeyProvider resolves the AES/HMAC key pair used to open and seal one
// collection's payloads, given the raw crypto/keys bundle fetched from the
// server.
type KeyProvider interface {
	CollectionKey(ctx context.Context, collection, cryptoKeysPayload string) (CollectionKey, error)
}

// CollectionKey is the pair of subkeys used to encrypt/decrypt and
// authenticate one collection's payloads. Declared here (rather than
// imported from internal/crypto) to keep storecore free of a dependency
// on the crypto package; Driver callers pass a KeyProvider backed by
// crypto.DeriveCollectionKey.
type CollectionKey struct {
	EncryptKey [32]byte
	HMACKey    [32]byte
}

// Sealer seals and opens cleartext record bodies under a CollectionKey.
// Backed by internal/crypto.Encrypt/Decrypt in production, a no-op codec
// in tests that don't exercise encryption.
type Sealer interface {
	Seal(key CollectionKey, cleartext []byte) (string, error)
	Open(key CollectionKey, payload string) ([]byte, error)
}

const (
	defaultMaxBatchBytes   = 1 << 20 // 1 MiB
	defaultMaxBatchRecords = 100
)

// Metrics receives instrumentation events from a sync cycle. Declared here
// (rather than importing internal/metrics) for the same reason as
// BSOTransport/Sealer/KeyProvider: storecore stays free of a compile-time
// dependency on whatever instrumentation library backs it. NewDriver
// substitutes a no-op implementation when metrics is nil.
type Metrics interface {
	ObserveSyncDuration(collection, reason string, d time.Duration)
	AddRecordsApplied(collection string, n int)
	AddConflictsRecorded(collection string, n int)
	AddBytesTransferred(collection, direction string, n int64)
}

type noopMetrics struct{}

func (noopMetrics) ObserveSyncDuration(string, string, time.Duration) {}
func (noopMetrics) AddRecordsApplied(string, int)                    {}
func (noopMetrics) AddConflictsRecorded(string, int)                 {}
func (noopMetrics) AddBytesTransferred(string, string, int64)        {}

// Deduper resolves id collisions between locally created records and one
// incoming page before the per-id reconcile pass runs, so a record a user
// created on this device and a matching one already uploaded from another
// device settle on a single id instead of living on as two rows forever.
// Declared here (rather than importing internal/storecore/reconcile) for
// the same reason as BSOTransport/Sealer/KeyProvider/Metrics: reconcile
// already imports storecore, so storecore importing it back would cycle.
// NewDriver leaves deduper nil-able; a nil Deduper skips the pre-pass,
// which is correct for collections with no DedupeOn fields declared.
type Deduper interface {
	// Dedupe inspects newLocal (candidate StatusNew local records) against
	// one incoming batch and rewires any local record whose dedupe fields
	// match an incoming record onto that incoming record's id.
	Dedupe(ctx context.Context, newLocal, incoming []*Record) error
}

// Driver runs the sync loop for one collection, wiring a Store, a
// BSOTransport, a Reconciler-shaped merge function, a KeyProvider and a
// Sealer together: a numbered-step method, a *SyncReport result,
// early-exit paths, and a helper extracted for the upload/commit phase.
type Driver struct {
	store     Store
	transport BSOTransport
	reconcile ReconcileFunc
	keys      KeyProvider
	sealer    Sealer
	metrics   Metrics
	deduper   Deduper
	logger    *slog.Logger

	maxBatchBytes   int
	maxBatchRecords int
}

// NewDriver creates a Driver for one collection's Store. metrics and
// deduper may both be nil.
func NewDriver(store Store, tr BSOTransport, reconcile ReconcileFunc, keys KeyProvider, sealer Sealer, metrics Metrics, deduper Deduper, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}

	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &Driver{
		store:           store,
		transport:       tr,
		reconcile:       reconcile,
		keys:            keys,
		sealer:          sealer,
		metrics:         metrics,
		deduper:         deduper,
		logger:          logger,
		maxBatchBytes:   defaultMaxBatchBytes,
		maxBatchRecords: defaultMaxBatchRecords,
	}
}

// cleartext is the wire shape of a decrypted record body: the fields map
// plus the structural metadata a tree-structured collection needs, and a
// tombstone marker.
type cleartext struct {
	ID       string                 `json:"id"`
	Deleted  bool                   `json:"deleted,omitempty"`
	Fields   map[string]*FieldValue `json:"fields,omitempty"`
	ParentID string                 `json:"parent_id,omitempty"`
	Position int                    `json:"position,omitempty"`
}

// Sync runs one complete cycle. interrupt is polled between pages and
// before the upload phase; when closed or readable, the cycle aborts with
// ErrInterrupted and any in-flight transaction rolls back.
func (d *Driver) Sync(ctx context.Context, reason SyncReason, interrupt <-chan struct{}) (*SyncReport, error) {
	start := time.Now()
	collection := d.store.CollectionName()

	report := &SyncReport{Collection: collection, Reason: reason}

	d.logger.Info("sync cycle starting", slog.String("collection", collection), slog.String("reason", reason.String()))

	// Step 1: fetch info/collections, fast-exit if nothing changed.
	noChanges, serverModified, err := d.checkForChanges(ctx)
	if err != nil {
		return nil, err
	}

	if noChanges {
		report.NoChanges = true
		report.Duration = time.Since(start)

		d.logger.Info("sync cycle: no changes", slog.String("collection", collection))

		return report, nil
	}

	// Step 2: fetch meta/global, reset if sync_id diverged.
	didReset, err := d.reconcileSyncID(ctx)
	if err != nil {
		return nil, err
	}

	report.DidReset = didReset

	// Step 3: resolve this collection's crypto key.
	key, err := d.resolveKey(ctx, collection)
	if err != nil {
		return nil, err
	}

	if interrupted(interrupt) {
		return nil, d.interruptedErr()
	}

	// Step 4: paginated fetch + decrypt + apply_incoming.
	applied, rejected, err := d.applyIncomingPages(ctx, key, interrupt)
	if err != nil {
		if errors.Is(err, ErrInterrupted) {
			report.Interrupted = true
			report.Duration = time.Since(start)

			return report, err
		}

		return nil, err
	}

	report.RecordsApplied = len(applied)
	report.RecordsRejected = len(rejected)

	d.metrics.AddRecordsApplied(collection, report.RecordsApplied)
	d.metrics.AddConflictsRecorded(collection, report.RecordsRejected)

	if interrupted(interrupt) {
		return nil, d.interruptedErr()
	}

	// Steps 5-6: fetch_outgoing, batch, upload.
	uploaded, maxUploadedTs, err := d.uploadOutgoing(ctx, key)
	if err != nil {
		return nil, err
	}

	report.RecordsUploaded = len(uploaded)

	// Step 7: sync_finished.
	newLastSync := time.Unix(0, serverModified*int64(time.Millisecond))
	if maxUploadedTs > serverModified {
		newLastSync = time.Unix(0, maxUploadedTs*int64(time.Millisecond))
	}

	if err := d.store.SyncFinished(ctx, uploaded, newLastSync); err != nil {
		return nil, fmt.Errorf("driver: sync_finished: %w", err)
	}

	// Steps 8-9: last_sync and commit are both handled transactionally by
	// SyncFinished; nothing further to do here.
	report.Duration = time.Since(start)
	d.metrics.ObserveSyncDuration(collection, reason.String(), report.Duration)

	d.logger.Info("sync cycle complete",
		slog.String("collection", collection),
		slog.Int("applied", report.RecordsApplied),
		slog.Int("rejected", report.RecordsRejected),
		slog.Int("uploaded", report.RecordsUploaded),
		slog.Duration("duration", report.Duration),
	)

	return report, nil
}

// checkForChanges implements step 1: fetch info/collections and compare
// against our last_sync.
func (d *Driver) checkForChanges(ctx context.Context) (noChanges bool, serverModified int64, err error) {
	collection := d.store.CollectionName()

	infos, err := d.transport.InfoCollections(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("driver: fetching info/collections: %w", err)
	}

	for _, info := range infos {
		if info.Name == collection {
			serverModified = info.LastModified
			break
		}
	}

	lastSync, err := d.store.LastSync(ctx)
	if err != nil {
		return false, 0, fmt.Errorf("driver: reading last_sync: %w", err)
	}

	lastSyncMillis := lastSync.UnixNano() / int64(time.Millisecond)

	return !lastSync.IsZero() && lastSyncMillis >= serverModified, serverModified, nil
}

// reconcileSyncID implements step 2: fetch meta/global and reset() if the
// server's sync_id for this collection no longer matches ours.
func (d *Driver) reconcileSyncID(ctx context.Context) (bool, error) {
	_, serverSyncID, err := d.transport.FetchMetaGlobal(ctx)
	if err != nil {
		return false, fmt.Errorf("driver: fetching meta/global: %w", err)
	}

	ourSyncID, err := d.store.GetSyncID(ctx)
	if err != nil {
		return false, fmt.Errorf("driver: reading sync_id: %w", err)
	}

	if ourSyncID != "" && ourSyncID != serverSyncID {
		d.logger.Warn("sync_id diverged, resetting collection",
			slog.String("collection", d.store.CollectionName()),
			slog.String("ours", ourSyncID),
			slog.String("server", serverSyncID),
		)

		if err := d.store.Reset(ctx); err != nil {
			return false, fmt.Errorf("driver: resetting after sync_id mismatch: %w", err)
		}

		if err := d.store.SetSyncID(ctx, serverSyncID); err != nil {
			return false, fmt.Errorf("driver: persisting new sync_id: %w", err)
		}

		return true, nil
	}

	if ourSyncID == "" {
		if err := d.store.SetSyncID(ctx, serverSyncID); err != nil {
			return false, fmt.Errorf("driver: persisting initial sync_id: %w", err)
		}
	}

	return false, nil
}

// resolveKey implements step 3.
func (d *Driver) resolveKey(ctx context.Context, collection string) (CollectionKey, error) {
	bundle, err := d.transport.FetchCryptoKeys(ctx)
	if err != nil {
		return CollectionKey{}, fmt.Errorf("driver: fetching crypto/keys: %w", err)
	}

	key, err := d.keys.CollectionKey(ctx, collection, bundle)
	if err != nil {
		return CollectionKey{}, fmt.Errorf("driver: deriving collection key: %w", err)
	}

	return key, nil
}

// applyIncomingPages implements step 4: paginated fetch, decrypt each
// page, and apply_incoming it, checking interrupt between pages.
func (d *Driver) applyIncomingPages(ctx context.Context, key CollectionKey, interrupt <-chan struct{}) (applied, rejected []string, err error) {
	collection := d.store.CollectionName()

	lastSync, err := d.store.LastSync(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("driver: reading last_sync: %w", err)
	}

	since := lastSync.UnixNano() / int64(time.Millisecond)
	token := ""

	for {
		if interrupted(interrupt) {
			return nil, nil, d.interruptedErr()
		}

		page, nextToken, ferr := d.transport.FetchPage(ctx, collection, since, token)
		if ferr != nil {
			return nil, nil, fmt.Errorf("driver: fetching page: %w", ferr)
		}

		if len(page) == 0 {
			break
		}

		records := make([]*Record, 0, len(page))

		var pageBytes int64

		for _, bso := range page {
			pageBytes += int64(len(bso.Payload))

			rec, derr := d.decryptRecord(key, bso)
			if derr != nil {
				d.logger.Warn("dropping record with invalid envelope",
					slog.String("collection", collection), slog.String("id", bso.ID), slog.String("error", derr.Error()))

				rejected = append(rejected, bso.ID)

				continue
			}

			records = append(records, rec)
		}

		d.metrics.AddBytesTransferred(collection, "download", pageBytes)

		if d.deduper != nil && len(records) > 0 {
			newLocal, oerr := d.store.Outgoing(ctx)
			if oerr != nil {
				return nil, nil, fmt.Errorf("driver: reading outgoing records for dedupe: %w", oerr)
			}

			if derr := d.deduper.Dedupe(ctx, newLocal, records); derr != nil {
				return nil, nil, fmt.Errorf("driver: dedupe: %w", derr)
			}
		}

		pageRejected, aerr := d.store.ApplyIncoming(ctx, records, d.reconcile)
		if aerr != nil {
			return nil, nil, fmt.Errorf("driver: apply_incoming: %w", aerr)
		}

		rejected = append(rejected, pageRejected...)

		for _, rec := range records {
			applied = append(applied, rec.ID)
		}

		if nextToken == "" {
			break
		}

		token = nextToken
	}

	return applied, rejected, nil
}

// uploadOutgoing implements steps 5-6: fetch_outgoing, split into batches
// bounded by maxBatchBytes/maxBatchRecords, upload each, and return the
// ids that were accepted plus the maximum server timestamp observed.
func (d *Driver) uploadOutgoing(ctx context.Context, key CollectionKey) ([]string, int64, error) {
	outgoing, err := d.store.Outgoing(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("driver: fetch_outgoing: %w", err)
	}

	if len(outgoing) == 0 {
		return nil, 0, nil
	}

	batches, err := d.buildBatches(key, outgoing)
	if err != nil {
		return nil, 0, err
	}

	var (
		mu       sync.Mutex
		uploaded []string
		maxTs    int64
	)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentBatchUploads)

	collection := d.store.CollectionName()

	for _, batch := range batches {
		batch := batch

		group.Go(func() error {
			var batchBytes int64
			for _, bso := range batch {
				batchBytes += int64(len(bso.Payload))
			}

			ids, failed, err := d.transport.PutBatch(gctx, collection, batch)
			if err != nil {
				return fmt.Errorf("driver: uploading batch: %w", err)
			}

			d.metrics.AddBytesTransferred(collection, "upload", batchBytes)

			mu.Lock()
			defer mu.Unlock()

			for id, reason := range failed {
				d.logger.Warn("record rejected by server", slog.String("id", id), slog.String("reason", reason))
			}

			uploaded = append(uploaded, ids...)

			for _, bso := range batch {
				if bso.Modified > maxTs {
					maxTs = bso.Modified
				}
			}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, 0, err
	}

	return uploaded, maxTs, nil
}

// buildBatches encrypts every outgoing record and splits the result into
// batches no larger than maxBatchBytes/maxBatchRecords.
func (d *Driver) buildBatches(key CollectionKey, outgoing []*Record) ([][]BSORecord, error) {
	var (
		batches      [][]BSORecord
		current      []BSORecord
		currentBytes int
	)

	for _, rec := range outgoing {
		bso, err := d.encryptRecord(key, rec)
		if err != nil {
			return nil, fmt.Errorf("driver: sealing record %s: %w", rec.ID, err)
		}

		recBytes := len(bso.Payload)

		if len(current) > 0 && (len(current) >= d.maxBatchRecords || currentBytes+recBytes > d.maxBatchBytes) {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}

		current = append(current, bso)
		currentBytes += recBytes
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}

	return batches, nil
}

func (d *Driver) decryptRecord(key CollectionKey, bso BSORecord) (*Record, error) {
	raw, err := d.sealer.Open(key, bso.Payload)
	if err != nil {
		return nil, fmt.Errorf("opening envelope: %w", err)
	}

	var ct cleartext
	if err := json.Unmarshal(raw, &ct); err != nil {
		return nil, fmt.Errorf("decoding cleartext: %w", err)
	}

	if ct.ID != bso.ID {
		return nil, fmt.Errorf("cleartext id %q does not match envelope id %q", ct.ID, bso.ID)
	}

	if ct.Deleted {
		return &Record{
			ID:             bso.ID,
			Deleted:        true,
			ServerModified: time.Unix(0, bso.Modified*int64(time.Millisecond)),
		}, nil
	}

	return &Record{
		ID:             bso.ID,
		Fields:         ct.Fields,
		ParentID:       ct.ParentID,
		Position:       ct.Position,
		ServerModified: time.Unix(0, bso.Modified*int64(time.Millisecond)),
	}, nil
}

func (d *Driver) encryptRecord(key CollectionKey, rec *Record) (BSORecord, error) {
	ct := cleartext{ID: rec.ID, Fields: rec.Fields, ParentID: rec.ParentID, Position: rec.Position}

	raw, err := json.Marshal(ct)
	if err != nil {
		return BSORecord{}, fmt.Errorf("encoding cleartext: %w", err)
	}

	payload, err := d.sealer.Seal(key, raw)
	if err != nil {
		return BSORecord{}, fmt.Errorf("sealing envelope: %w", err)
	}

	return BSORecord{
		ID:       rec.ID,
		Modified: rec.LocalModified.UnixNano() / int64(time.Millisecond),
		Payload:  payload,
	}, nil
}

func (d *Driver) interruptedErr() error {
	return &StoreError{Op: "sync", Collection: d.store.CollectionName(), Err: ErrInterrupted}
}

func interrupted(interrupt <-chan struct{}) bool {
	if interrupt == nil {
		return false
	}

	select {
	case <-interrupt:
		return true
	default:
		return false
	}
}
