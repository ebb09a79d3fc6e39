package storecore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DetectClientIDCollision checks whether a local row's sync_change_counter
// implies a mutation this device doesn't remember making (the counter
// jumped by more than the local write path could have produced since
// lastKnownCounter). When it does, a second device sharing this id is
// assumed, and the row is given a fresh id so the two devices' writes stop
// colliding.
func (s *SQLiteStore) DetectClientIDCollision(ctx context.Context, id string, lastKnownCounter int) (newID string, rewritten bool, err error) {
	rec, err := s.LocalByID(ctx, id)
	if err != nil {
		return "", false, err
	}

	if rec == nil || rec.SyncChangeCounter <= lastKnownCounter+1 {
		return "", false, nil
	}

	fresh := uuid.New().String()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("storecore: beginning collision-rewrite transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE local_records SET _sync_write = 1 WHERE id = ?`, id); err != nil {
		return "", false, fmt.Errorf("storecore: tagging collision-rewrite sentinel: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE local_records SET id = ? WHERE id = ?`, fresh, id); err != nil {
		return "", false, fmt.Errorf("storecore: rewriting colliding id %s -> %s: %w", id, fresh, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE local_records SET _sync_write = 0 WHERE id = ?`, fresh); err != nil {
		return "", false, fmt.Errorf("storecore: clearing collision-rewrite sentinel: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO client_id_rewrites (old_id, new_id, rewritten_at) VALUES (?, ?, ?)`,
		id, fresh, time.Now().UnixNano(),
	); err != nil {
		return "", false, fmt.Errorf("storecore: recording collision rewrite: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("storecore: committing collision rewrite: %w", err)
	}

	s.logger.Warn("client id collision detected, rewired",
		"old_id", id, "new_id", fresh, "counter", rec.SyncChangeCounter, "last_known", lastKnownCounter)

	return fresh, true, nil
}
