package storecore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// SQL statements for SQLiteStore, grouped as Go consts.
const (
	sqlGetMeta = `SELECT value FROM collection_meta WHERE key = ?`
	sqlSetMeta = `INSERT INTO collection_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`

	sqlLocalByID = `SELECT id, payload, parent_id, position, local_modified,
		sync_change_counter, sync_status FROM local_records WHERE id = ?`

	sqlMirrorByID = `SELECT id, payload, parent_id, position, server_modified
		FROM mirror_records WHERE id = ?`

	sqlOutgoing = `SELECT id, payload, parent_id, position, local_modified,
		sync_change_counter, sync_status FROM local_records WHERE sync_status <> 'normal'`

	sqlUpsertLocal = `INSERT INTO local_records
		(id, payload, parent_id, position, local_modified, sync_change_counter, sync_status, _sync_write)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
		 payload = excluded.payload,
		 parent_id = excluded.parent_id,
		 position = excluded.position,
		 local_modified = excluded.local_modified,
		 sync_change_counter = excluded.sync_change_counter,
		 sync_status = excluded.sync_status,
		 _sync_write = 1`

	sqlClearSyncWrite = `UPDATE local_records SET _sync_write = 0 WHERE id = ?`

	sqlDeleteLocalSentinel = `UPDATE local_records SET _sync_write = 1 WHERE id = ?`
	sqlDeleteLocal         = `DELETE FROM local_records WHERE id = ?`

	sqlUpsertMirror = `INSERT INTO mirror_records (id, payload, parent_id, position, server_modified)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		 payload = excluded.payload,
		 parent_id = excluded.parent_id,
		 position = excluded.position,
		 server_modified = excluded.server_modified`

	sqlDeleteMirror = `DELETE FROM mirror_records WHERE id = ?`

	sqlMarkNormal = `UPDATE local_records SET sync_status = 'normal', _sync_write = 1 WHERE id = ?`

	sqlInsertTombstone = `INSERT INTO tombstones (id, deleted_at) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET deleted_at = excluded.deleted_at`
	sqlTombstoneByID = `SELECT id, deleted_at FROM tombstones WHERE id = ?`

	sqlInsertMalformed = `INSERT INTO malformed_records (id, reason, first_seen) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING`
	sqlListMalformed = `SELECT id, reason, first_seen FROM malformed_records`

	sqlWipeLocal      = `DELETE FROM local_records`
	sqlWipeMirror      = `DELETE FROM mirror_records`
	sqlWipeTombstones  = `DELETE FROM tombstones`
	sqlWipeMalformed   = `DELETE FROM malformed_records`
	sqlWipeMeta        = `DELETE FROM collection_meta`
)

// Metadata keys stored in collection_meta.
const (
	metaSyncID             = "sync_id"
	metaLastSync           = "last_sync"
	metaGlobalChangeCounter = "global_sync_change_counter"
	metaNextSyncAllowedAt  = "next_sync_allowed_at"
)

// SQLiteStore is the sole writer to one collection's SQLite database. It
// follows a sole-writer pattern: one *sql.DB with SetMaxOpenConns(1),
// WAL mode, synchronous=FULL.
type SQLiteStore struct {
	db         *sql.DB
	collection string
	schema     *SchemaDescriptor
	logger     *slog.Logger
	nowFunc    func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLiteStore opens (creating if needed) the SQLite database at
// dbPath, runs migrations, and returns a ready-to-use store for the given
// schema. Mirrors NewBaselineManager's DSN/pragma construction.
func OpenSQLiteStore(dbPath string, schema *SchemaDescriptor, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"+
			"&_pragma=journal_size_limit(67108864)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storecore: opening database %s: %w", dbPath, err)
	}

	// Sole-writer pattern: only one connection writes at a time.
	db.SetMaxOpenConns(1)

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store initialized", slog.String("collection", schema.Name), slog.String("db_path", dbPath))

	return &SQLiteStore{
		db:         db,
		collection: schema.Name,
		schema:     schema,
		logger:     logger,
		nowFunc:    time.Now,
	}, nil
}

func (s *SQLiteStore) CollectionName() string { return s.collection }

func (s *SQLiteStore) getMetaString(ctx context.Context, key string) (string, error) {
	var v string

	err := s.db.QueryRowContext(ctx, sqlGetMeta, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("storecore: reading %s: %w", key, err)
	}

	return v, nil
}

func (s *SQLiteStore) setMetaString(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, sqlSetMeta, key, value)
	if err != nil {
		return fmt.Errorf("storecore: writing %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStore) GetSyncID(ctx context.Context) (string, error) {
	return s.getMetaString(ctx, metaSyncID)
}

func (s *SQLiteStore) SetSyncID(ctx context.Context, syncID string) error {
	return s.setMetaString(ctx, metaSyncID, syncID)
}

func (s *SQLiteStore) LastSync(ctx context.Context) (time.Time, error) {
	v, err := s.getMetaString(ctx, metaLastSync)
	if err != nil || v == "" {
		return time.Time{}, err
	}

	ns, err := parseUnixNano(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("storecore: parsing last_sync: %w", err)
	}

	return time.Unix(0, ns), nil
}

func (s *SQLiteStore) GlobalChangeCounter(ctx context.Context) (int64, error) {
	v, err := s.getMetaString(ctx, metaGlobalChangeCounter)
	if err != nil || v == "" {
		return 0, err
	}

	n, err := parseUnixNano(v)
	if err != nil {
		return 0, fmt.Errorf("storecore: parsing global change counter: %w", err)
	}

	return n, nil
}

func (s *SQLiteStore) NextSyncAllowedAt(ctx context.Context) (time.Time, error) {
	v, err := s.getMetaString(ctx, metaNextSyncAllowedAt)
	if err != nil || v == "" {
		return time.Time{}, err
	}

	ns, err := parseUnixNano(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("storecore: parsing next_sync_allowed_at: %w", err)
	}

	return time.Unix(0, ns), nil
}

func (s *SQLiteStore) SetNextSyncAllowedAt(ctx context.Context, t time.Time) error {
	return s.setMetaString(ctx, metaNextSyncAllowedAt, formatUnixNano(t.UnixNano()))
}

func (s *SQLiteStore) LocalByID(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, sqlLocalByID, id)
	return scanLocalRow(row)
}

func (s *SQLiteStore) MirrorByID(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, sqlMirrorByID, id)
	return scanMirrorRow(row)
}

func (s *SQLiteStore) Outgoing(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, sqlOutgoing)
	if err != nil {
		return nil, fmt.Errorf("storecore: querying outgoing records: %w", err)
	}
	defer rows.Close()

	var out []*Record

	for rows.Next() {
		rec, err := scanLocalRowFromRows(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storecore: iterating outgoing records: %w", err)
	}

	return out, nil
}

// ApplyIncoming merges one page of server records transactionally. For
// each incoming record it loads the corresponding local and mirror rows,
// calls reconcile, and persists the result — following the
// BaselineManager.CommitOutcome transactional-apply shape.
func (s *SQLiteStore) ApplyIncoming(ctx context.Context, incoming []*Record, reconcile ReconcileFunc) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("storecore: beginning apply_incoming transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var rejected []string

	for _, inc := range incoming {
		local, err := scanLocalRowFromTx(ctx, tx, inc.ID)
		if err != nil {
			return nil, err
		}

		mirror, err := scanMirrorRowFromTx(ctx, tx, inc.ID)
		if err != nil {
			return nil, err
		}

		// A tombstone carries only an id: hand the reconciler a nil
		// incoming value (its established "incoming deleted" signal)
		// while still using inc.ID for every lookup/write below.
		var incomingArg *Record
		if !inc.Deleted {
			incomingArg = inc
		}

		merged, forked, mergeErr := reconcile(local, mirror, incomingArg)
		if mergeErr != nil {
			if markErr := markMalformed(ctx, tx, inc.ID, mergeErr.Error(), s.nowFunc()); markErr != nil {
				return nil, markErr
			}

			rejected = append(rejected, inc.ID)

			continue
		}

		if inc.Deleted {
			if err := deleteMirrorTx(ctx, tx, inc.ID); err != nil {
				return nil, err
			}
		} else if err := upsertMirrorTx(ctx, tx, inc); err != nil {
			return nil, err
		}

		if merged == nil {
			if err := deleteLocalTx(ctx, tx, inc.ID); err != nil {
				return nil, err
			}

			continue
		}

		if err := upsertLocalTx(ctx, tx, merged); err != nil {
			return nil, err
		}

		if err := markNormalTx(ctx, tx, merged.ID); err != nil {
			return nil, err
		}

		if forked != nil {
			if err := upsertLocalTx(ctx, tx, forked); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("storecore: committing apply_incoming transaction: %w", err)
	}

	return rejected, nil
}

func (s *SQLiteStore) SyncFinished(ctx context.Context, appliedIDs []string, newLastSync time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storecore: beginning sync_finished transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, id := range appliedIDs {
		if err := markNormalTx(ctx, tx, id); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, sqlSetMeta, metaLastSync, formatUnixNano(newLastSync.UnixNano())); err != nil {
		return fmt.Errorf("storecore: updating last_sync: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storecore: committing sync_finished transaction: %w", err)
	}

	if err := s.Checkpoint(); err != nil {
		s.logger.Warn("passive WAL checkpoint failed", slog.String("collection", s.collection), slog.String("error", err.Error()))
	}

	return nil
}

func (s *SQLiteStore) RecordTombstone(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, sqlInsertTombstone, id, s.nowFunc().UnixNano())
	if err != nil {
		return fmt.Errorf("storecore: recording tombstone for %s: %w", id, err)
	}

	return nil
}

func (s *SQLiteStore) TombstoneByID(ctx context.Context, id string) (*Tombstone, error) {
	var (
		tid       string
		deletedAt int64
	)

	err := s.db.QueryRowContext(ctx, sqlTombstoneByID, id).Scan(&tid, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("storecore: reading tombstone for %s: %w", id, err)
	}

	return &Tombstone{ID: tid, DeletedAt: time.Unix(0, deletedAt)}, nil
}

func (s *SQLiteStore) MalformedRecords(ctx context.Context) ([]MalformedRecord, error) {
	rows, err := s.db.QueryContext(ctx, sqlListMalformed)
	if err != nil {
		return nil, fmt.Errorf("storecore: listing malformed records: %w", err)
	}
	defer rows.Close()

	var out []MalformedRecord

	for rows.Next() {
		var (
			id, reason string
			firstSeen  int64
		)

		if err := rows.Scan(&id, &reason, &firstSeen); err != nil {
			return nil, fmt.Errorf("storecore: scanning malformed record: %w", err)
		}

		out = append(out, MalformedRecord{ID: id, Reason: reason, FirstSeen: time.Unix(0, firstSeen)})
	}

	return out, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storecore: beginning reset transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Every local row becomes 'new' so the next sync uploads it again. The
	// tracker triggers do not fire on sync_status, so no counter is bumped.
	for _, stmt := range []string{sqlWipeMirror, sqlWipeMeta, `UPDATE local_records SET sync_status = 'new'`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storecore: reset: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Wipe(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storecore: beginning wipe transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, stmt := range []string{sqlWipeLocal, sqlWipeMirror, sqlWipeTombstones, sqlWipeMalformed, sqlWipeMeta} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storecore: wipe: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Checkpoint() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for components that need to
// participate in the same database (e.g. the reconcile package's dedupe
// rename, which needs the id-immutability bypass).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// --- scan / encode helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocalRow(row *sql.Row) (*Record, error) {
	return scanLocal(row)
}

func scanLocalRowFromRows(rows *sql.Rows) (*Record, error) {
	return scanLocal(rows)
}

func scanLocal(s rowScanner) (*Record, error) {
	var (
		id, payload, parentID, status string
		position                      int
		localModified                 int64
		counter                       int
	)

	err := s.Scan(&id, &payload, &parentID, &position, &localModified, &counter, &status)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("storecore: scanning local record: %w", err)
	}

	fields, err := decodeFields(payload)
	if err != nil {
		return nil, err
	}

	return &Record{
		ID:                id,
		Fields:            fields,
		ParentID:          parentID,
		Position:          position,
		LocalModified:     time.Unix(0, localModified),
		SyncChangeCounter: counter,
		SyncStatus:        parseSyncStatus(status),
	}, nil
}

func scanMirrorRow(row *sql.Row) (*Record, error) {
	return scanMirror(row)
}

func scanMirror(s rowScanner) (*Record, error) {
	var (
		id, payload, parentID string
		position              int
		serverModified        int64
	)

	err := s.Scan(&id, &payload, &parentID, &position, &serverModified)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("storecore: scanning mirror record: %w", err)
	}

	fields, err := decodeFields(payload)
	if err != nil {
		return nil, err
	}

	return &Record{
		ID:             id,
		Fields:         fields,
		ParentID:       parentID,
		Position:       position,
		ServerModified: time.Unix(0, serverModified),
	}, nil
}

func scanLocalRowFromTx(ctx context.Context, tx *sql.Tx, id string) (*Record, error) {
	row := tx.QueryRowContext(ctx, sqlLocalByID, id)
	return scanLocalRow(row)
}

func scanMirrorRowFromTx(ctx context.Context, tx *sql.Tx, id string) (*Record, error) {
	row := tx.QueryRowContext(ctx, sqlMirrorByID, id)
	return scanMirrorRow(row)
}

func upsertLocalTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	payload, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, sqlUpsertLocal,
		rec.ID, payload, rec.ParentID, rec.Position,
		rec.LocalModified.UnixNano(), rec.SyncChangeCounter, rec.SyncStatus.String(),
	)
	if err != nil {
		return fmt.Errorf("storecore: upserting local record %s: %w", rec.ID, err)
	}

	if _, err := tx.ExecContext(ctx, sqlClearSyncWrite, rec.ID); err != nil {
		return fmt.Errorf("storecore: clearing sync-write sentinel for %s: %w", rec.ID, err)
	}

	return nil
}

func upsertMirrorTx(ctx context.Context, tx *sql.Tx, rec *Record) error {
	payload, err := encodeFields(rec.Fields)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, sqlUpsertMirror,
		rec.ID, payload, rec.ParentID, rec.Position, rec.ServerModified.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storecore: upserting mirror record %s: %w", rec.ID, err)
	}

	return nil
}

func deleteMirrorTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, sqlDeleteMirror, id); err != nil {
		return fmt.Errorf("storecore: deleting mirror record %s: %w", id, err)
	}

	return nil
}

func deleteLocalTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, sqlDeleteLocalSentinel, id); err != nil {
		return fmt.Errorf("storecore: tagging delete sentinel for %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, sqlDeleteLocal, id); err != nil {
		return fmt.Errorf("storecore: deleting local record %s: %w", id, err)
	}

	return nil
}

func markNormalTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, sqlMarkNormal, id); err != nil {
		return fmt.Errorf("storecore: marking %s normal: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, sqlClearSyncWrite, id); err != nil {
		return fmt.Errorf("storecore: clearing sync-write sentinel for %s: %w", id, err)
	}

	return nil
}

func markMalformed(ctx context.Context, tx *sql.Tx, id, reason string, now time.Time) error {
	_, err := tx.ExecContext(ctx, sqlInsertMalformed, id, reason, now.UnixNano())
	if err != nil {
		return fmt.Errorf("storecore: marking %s malformed: %w", id, err)
	}

	return nil
}

func encodeFields(fields map[string]*FieldValue) (string, error) {
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("storecore: encoding record payload: %w", err)
	}

	return string(b), nil
}

func decodeFields(payload string) (map[string]*FieldValue, error) {
	var fields map[string]*FieldValue

	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("storecore: decoding record payload: %w: %w", err, ErrCorrupt)
	}

	return fields, nil
}

func parseSyncStatus(s string) SyncStatus {
	switch s {
	case "changed":
		return StatusChanged
	case "new":
		return StatusNew
	default:
		return StatusNormal
	}
}

func parseUnixNano(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func formatUnixNano(n int64) string {
	return fmt.Sprintf("%d", n)
}
