package storecore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectClientIDCollisionNoOpWhenCounterInSequence(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, sqlUpsertLocal,
		"rec-1", `{}`, "", 0, time.Now().UnixNano(), 5, StatusNormal.String())
	require.NoError(t, err)

	newID, rewritten, err := store.DetectClientIDCollision(ctx, "rec-1", 4)
	require.NoError(t, err)
	assert.False(t, rewritten)
	assert.Empty(t, newID)

	local, err := store.LocalByID(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, local)
	assert.Equal(t, "rec-1", local.ID)
}

func TestDetectClientIDCollisionNoOpWhenRecordMissing(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	newID, rewritten, err := store.DetectClientIDCollision(ctx, "never-existed", 0)
	require.NoError(t, err)
	assert.False(t, rewritten)
	assert.Empty(t, newID)
}

func TestDetectClientIDCollisionRewritesIDOnCounterJump(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, sqlUpsertLocal,
		"rec-1", `{}`, "", 0, time.Now().UnixNano(), 10, StatusNormal.String())
	require.NoError(t, err)

	newID, rewritten, err := store.DetectClientIDCollision(ctx, "rec-1", 2)
	require.NoError(t, err)
	require.True(t, rewritten)
	assert.NotEmpty(t, newID)
	assert.NotEqual(t, "rec-1", newID)

	oldLocal, err := store.LocalByID(ctx, "rec-1")
	require.NoError(t, err)
	assert.Nil(t, oldLocal, "old id must no longer resolve")

	newLocal, err := store.LocalByID(ctx, newID)
	require.NoError(t, err)
	require.NotNil(t, newLocal)
	assert.Equal(t, newID, newLocal.ID)
	assert.Equal(t, 10, newLocal.SyncChangeCounter)

	var rewriteCount int
	err = store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM client_id_rewrites WHERE old_id = ? AND new_id = ?`, "rec-1", newID,
	).Scan(&rewriteCount)
	require.NoError(t, err)
	assert.Equal(t, 1, rewriteCount)
}
