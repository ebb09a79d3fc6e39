// Package reconcile implements the three-way merge reconciler: given a
// record's local, mirror (last-known-server) and incoming (new-from-server)
// states, it decides what the merged local record should be, following the
// field-level strategies and tombstone policy declared by a
// storecore.SchemaDescriptor.
package reconcile

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/engine/internal/storecore"
)

// Reconciler merges (local, mirror, incoming) triples for one collection,
// applying a classify/apply decision-matrix style from per-row changes
// down to per-field merge decisions.
type Reconciler struct {
	schema *storecore.SchemaDescriptor
	logger *slog.Logger
}

// New creates a Reconciler bound to schema, logging decisions at debug
// level.
func New(schema *storecore.SchemaDescriptor, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Reconciler{schema: schema, logger: logger}
}

// Func adapts the Reconciler to storecore.ReconcileFunc for use by
// Store.ApplyIncoming.
func (r *Reconciler) Func() storecore.ReconcileFunc {
	return r.Merge
}

// Merge classifies the (local, mirror, incoming) triple and returns the
// record to persist locally, or nil if the outcome is a deletion. forked
// is non-nil only when a Duplicate-strategy field genuinely conflicted —
// see mergeFields.
//
// A side is "new" if present with no mirror counterpart, "changed" if it
// differs from mirror, "deleted" if mirror had it and this side doesn't.
func (r *Reconciler) Merge(local, mirror, incoming *storecore.Record) (merged, forked *storecore.Record, err error) {
	localDeleted := mirror != nil && local == nil
	incomingDeleted := mirror != nil && incoming == nil

	r.logger.Debug("classify record",
		"local_present", local != nil,
		"mirror_present", mirror != nil,
		"incoming_present", incoming != nil,
		"local_deleted", localDeleted,
		"incoming_deleted", incomingDeleted,
	)

	if a, handled := r.classifyTombstone(local, mirror, incoming, localDeleted, incomingDeleted); handled {
		return a, nil, nil
	}

	return r.classifyStandard(local, mirror, incoming)
}

// classifyTombstone handles the cases where one side deleted the record
// while mirror still had it — the tombstone policy rows. Mirrors the
// teacher's classifyRemoteTombstone/classifyLocalDeletion pattern of
// returning (result, handled).
func (r *Reconciler) classifyTombstone(
	local, mirror, incoming *storecore.Record, localDeleted, incomingDeleted bool,
) (*storecore.Record, bool) {
	switch {
	case localDeleted && incomingDeleted:
		// Both sides deleted: converged, stays deleted.
		return nil, true

	case localDeleted && !incomingDeleted:
		return r.resolveEditDelete(incoming, mirror, true)

	case incomingDeleted && !localDeleted:
		if local.SyncStatus == storecore.StatusNormal {
			// Local unchanged since the last sync: accept the deletion.
			return nil, true
		}

		return r.resolveEditDelete(local, mirror, false)

	default:
		return nil, false
	}
}

// resolveEditDelete applies the schema's TombstonePolicy when one side
// edited a record the other side deleted. edited is the surviving
// candidate if PreferUpdates wins; localWasDeleted distinguishes which
// side did the deleting for logging only.
func (r *Reconciler) resolveEditDelete(edited, mirror *storecore.Record, localWasDeleted bool) (*storecore.Record, bool) {
	if r.schema.Tombstones == storecore.PreferDeletions {
		r.logger.Debug("edit-delete: deletion wins", "local_deleted", localWasDeleted)
		return nil, true
	}

	r.logger.Debug("edit-delete: update wins", "local_deleted", localWasDeleted)

	merged := edited.Clone()
	_ = mirror

	return merged, true
}

// classifyStandard handles the remaining rows: both present (merge
// field-by-field), or only one side ever existed
// (the other side's view wins outright since there is nothing to merge).
func (r *Reconciler) classifyStandard(local, mirror, incoming *storecore.Record) (*storecore.Record, *storecore.Record, error) {
	switch {
	case local == nil && incoming == nil:
		return nil, nil, nil

	case local == nil:
		return incoming.Clone(), nil, nil

	case incoming == nil:
		return local.Clone(), nil, nil

	default:
		return r.mergeFields(local, mirror, incoming)
	}
}

// mergeFields applies the schema's per-field MergeStrategy to every field
// present on either side: precompute what changed on each side relative
// to mirror, then dispatch. A Duplicate-strategy field that genuinely
// conflicts — both sides changed it relative to mirror, and disagree —
// forks the record: merged keeps incoming's value for that field (so the
// two devices that already hold this id converge), and forked is a new
// local-only copy carrying local's value, given a fresh id so it uploads
// as its own entity instead of the edit being silently dropped.
func (r *Reconciler) mergeFields(local, mirror, incoming *storecore.Record) (*storecore.Record, *storecore.Record, error) {
	merged := local.Clone()
	merged.Fields = make(map[string]*storecore.FieldValue)

	names := fieldUnion(local, mirror, incoming)

	forkNeeded := false

	for _, name := range names {
		lv := fieldOf(local, name)
		mv := fieldOf(mirror, name)
		iv := fieldOf(incoming, name)

		strategy := r.schema.Strategy(name)

		resolved, conflicted, err := applyStrategy(strategy, lv, mv, iv, local.LocalModified, incoming.ServerModified)
		if err != nil {
			return nil, nil, fmt.Errorf("merging field %q: %w", name, err)
		}

		merged.Fields[name] = resolved

		if conflicted {
			forkNeeded = true
		}
	}

	merged.ParentID = incoming.ParentID
	merged.Position = incoming.Position
	merged.ServerModified = incoming.ServerModified

	var forked *storecore.Record
	if forkNeeded {
		forked = local.Clone()
		forked.ID = uuid.New().String()
		forked.SyncStatus = storecore.StatusNew
		forked.SyncChangeCounter = 0

		r.logger.Debug("duplicate-strategy conflict, forked record",
			"source_id", local.ID, "forked_id", forked.ID)
	}

	return merged, forked, nil
}

// applyStrategy dispatches one field's three-way values to its declared
// MergeStrategy, returning whether the field forks the record (only
// possible for Duplicate). There is no composite strategy: a field with
// Children goes through the same dispatch as any other field. Parent and
// position are not fields; MergeStructure in tree.go computes their moves.
func applyStrategy(
	strategy storecore.MergeStrategy, local, mirror, incoming *storecore.FieldValue, localModified, incomingModified time.Time,
) (resolved *storecore.FieldValue, conflicted bool, err error) {
	switch strategy {
	case storecore.PreferRemote:
		return firstNonNil(incoming, local), false, nil

	case storecore.TakeNewest:
		return takeNewest(local, incoming, localModified, incomingModified), false, nil

	case storecore.TakeMin:
		return takeExtreme(local, incoming, true), false, nil

	case storecore.TakeMax:
		return takeExtreme(local, incoming, false), false, nil

	case storecore.TakeSum:
		return takeSum(local, mirror, incoming), false, nil

	case storecore.PreferTrue:
		return takeBoolPreference(local, incoming, true), false, nil

	case storecore.PreferFalse:
		return takeBoolPreference(local, incoming, false), false, nil

	case storecore.Duplicate:
		value, conflicted := resolveDuplicate(local, mirror, incoming)
		return value, conflicted, nil

	default:
		return firstNonNil(incoming, local), false, nil
	}
}

// resolveDuplicate reports a genuine three-way conflict: both sides
// changed the field relative to mirror, and disagree on the new value.
// The returned value is what the primary (non-forked) record keeps
// regardless — incoming's, so the two devices that already share this id
// converge — conflicted tells the caller whether a fork is also needed.
func resolveDuplicate(local, mirror, incoming *storecore.FieldValue) (value *storecore.FieldValue, conflicted bool) {
	localChanged := !fieldEqual(local, mirror)
	incomingChanged := !fieldEqual(incoming, mirror)

	if localChanged && incomingChanged && !fieldEqual(local, incoming) {
		return firstNonNil(incoming, local), true
	}

	return firstNonNil(incoming, local), false
}

func fieldEqual(a, b *storecore.FieldValue) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.String == b.String && a.Int == b.Int && a.Bool == b.Bool && a.IsNull == b.IsNull
}

func fieldOf(rec *storecore.Record, name string) *storecore.FieldValue {
	if rec == nil {
		return nil
	}

	return rec.Fields[name]
}

func fieldUnion(recs ...*storecore.Record) []string {
	seen := make(map[string]bool)

	var order []string

	for _, rec := range recs {
		if rec == nil {
			continue
		}

		for name := range rec.Fields {
			if !seen[name] {
				seen[name] = true

				order = append(order, name)
			}
		}
	}

	return order
}

func firstNonNil(vals ...*storecore.FieldValue) *storecore.FieldValue {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}

	return nil
}

// takeNewest compares the record-level modification timestamps, not a
// per-field timestamp: TakeNewest is defined against whichever side's
// write happened later. Ties favor incoming, matching every other
// strategy's remote-leaning default.
func takeNewest(local, incoming *storecore.FieldValue, localModified, incomingModified time.Time) *storecore.FieldValue {
	if local == nil {
		return incoming
	}

	if incoming == nil {
		return local
	}

	if localModified.After(incomingModified) {
		return local
	}

	return incoming
}

func takeExtreme(local, incoming *storecore.FieldValue, min bool) *storecore.FieldValue {
	if local == nil {
		return incoming
	}

	if incoming == nil {
		return local
	}

	if min {
		if local.Int < incoming.Int {
			return local
		}

		return incoming
	}

	if local.Int > incoming.Int {
		return local
	}

	return incoming
}

// takeSum applies the monotonic-counter merge: the merged value is
// mirror + (local delta) + (incoming delta), so two devices independently
// incrementing the same counter both contribute rather than one clobbering
// the other.
func takeSum(local, mirror, incoming *storecore.FieldValue) *storecore.FieldValue {
	base := int64(0)
	if mirror != nil {
		base = mirror.Int
	}

	localDelta := int64(0)
	if local != nil {
		localDelta = local.Int - base
	}

	incomingDelta := int64(0)
	if incoming != nil {
		incomingDelta = incoming.Int - base
	}

	return &storecore.FieldValue{Int: base + localDelta + incomingDelta}
}

func takeBoolPreference(local, incoming *storecore.FieldValue, prefer bool) *storecore.FieldValue {
	if local != nil && local.Bool == prefer {
		return local
	}

	if incoming != nil && incoming.Bool == prefer {
		return incoming
	}

	return firstNonNil(incoming, local)
}
