package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/driftsync/engine/internal/storecore"
)

// caser, via normalizeForDedupe, applies NFC normalization plus case-folding before
// dedupe_on comparison, so "Café" and "Café" (combining acute
// accent) with different case compare equal.
var caser = cases.Fold()

func normalizeForDedupe(s string) string {
	return caser.String(norm.NFC.String(s))
}

// DedupeCandidate pairs a New local record with an incoming record whose
// dedupe_on fields are equal — the one case where a record's local id is
// allowed to change.
type DedupeCandidate struct {
	KeepID   string // the id that survives
	RewireID string // the id that gets rewritten to KeepID
}

// FindDuplicates scans a batch of new local records (SyncStatus ==
// StatusNew) against one incoming batch and returns pairs whose
// schema.DedupeOn fields all compare equal after normalization. Only New
// records are eligible: a record that has already synced has a server
// identity and must not be silently merged into another.
func FindDuplicates(schema *storecore.SchemaDescriptor, newLocal, incoming []*storecore.Record) []DedupeCandidate {
	if len(schema.DedupeOn) == 0 {
		return nil
	}

	byKey := make(map[string]*storecore.Record, len(incoming))

	for _, rec := range incoming {
		byKey[dedupeKey(schema, rec)] = rec
	}

	var out []DedupeCandidate

	for _, rec := range newLocal {
		if rec.SyncStatus != storecore.StatusNew {
			continue
		}

		key := dedupeKey(schema, rec)

		if match, ok := byKey[key]; ok && match.ID != rec.ID {
			out = append(out, DedupeCandidate{KeepID: match.ID, RewireID: rec.ID})
		}
	}

	return out
}

func dedupeKey(schema *storecore.SchemaDescriptor, rec *storecore.Record) string {
	key := ""

	for _, field := range schema.DedupeOn {
		v := rec.Fields[field]

		key += "\x1f" + normalizeForDedupe(fieldString(v))
	}

	return key
}

func fieldString(v *storecore.FieldValue) string {
	if v == nil {
		return ""
	}

	return v.String
}

// ApplyRewire rewrites a local record's id in-place as the one permitted
// exception to id-immutability, bypassing the database's immutability
// trigger via the same _sync_write sentinel the store uses for its own
// writes. db is the store's underlying *sql.DB, shared via SQLiteStore.DB().
func ApplyRewire(ctx context.Context, db *sql.DB, c DedupeCandidate) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reconcile: beginning rewire transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE local_records SET _sync_write = 1 WHERE id = ?`, c.RewireID); err != nil {
		return fmt.Errorf("reconcile: tagging rewire sentinel: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE local_records SET id = ? WHERE id = ?`, c.KeepID, c.RewireID); err != nil {
		return fmt.Errorf("reconcile: rewiring id %s -> %s: %w", c.RewireID, c.KeepID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE local_records SET _sync_write = 0 WHERE id = ?`, c.KeepID); err != nil {
		return fmt.Errorf("reconcile: clearing rewire sentinel: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO client_id_rewrites (old_id, new_id, rewritten_at) VALUES (?, ?, ?)`,
		c.RewireID, c.KeepID, time.Now().UnixNano(),
	); err != nil {
		return fmt.Errorf("reconcile: recording rewire history: %w", err)
	}

	return tx.Commit()
}
