// Package storecore implements the local+mirror persistence discipline,
// the change tracker, and the record/schema types shared by the
// reconciler and sync loop driver.
package storecore

import "time"

// SyncStatus is a record's position in the change-tracking state machine.
type SyncStatus int

// Sync status values, bumped by the change tracker triggers and cleared
// by sync_finished.
const (
	StatusNormal  SyncStatus = iota // unchanged since last successful sync
	StatusChanged                   // mutated locally since last sync
	StatusNew                       // created locally, never uploaded
)

func (s SyncStatus) String() string {
	switch s {
	case StatusNormal:
		return "normal"
	case StatusChanged:
		return "changed"
	case StatusNew:
		return "new"
	default:
		return "unknown"
	}
}

// MergeStrategy is the per-field conflict resolution rule declared by a
// SchemaDescriptor. See SchemaDescriptor.FieldStrategies.
type MergeStrategy int

// The eight field merge strategies.
const (
	PreferRemote MergeStrategy = iota
	TakeNewest
	TakeMin
	TakeMax
	TakeSum
	PreferTrue
	PreferFalse
	Duplicate
)

func (m MergeStrategy) String() string {
	switch m {
	case PreferRemote:
		return "prefer_remote"
	case TakeNewest:
		return "take_newest"
	case TakeMin:
		return "take_min"
	case TakeMax:
		return "take_max"
	case TakeSum:
		return "take_sum"
	case PreferTrue:
		return "prefer_true"
	case PreferFalse:
		return "prefer_false"
	case Duplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// TombstonePolicy governs how a collection resolves an edit-vs-delete
// conflict.
type TombstonePolicy int

const (
	// PreferUpdates keeps the record alive when one side edited it while
	// the other deleted it.
	PreferUpdates TombstonePolicy = iota
	// PreferDeletions lets a delete win over a concurrent edit.
	PreferDeletions
)

// FieldValue is one scalar or composite field in a Record's payload.
// Composite (nested) values are modeled as FieldValue maps under Children;
// there is no composite merge strategy.
type FieldValue struct {
	String   string                 `json:"s,omitempty"`
	Int      int64                  `json:"i,omitempty"`
	Bool     bool                   `json:"b,omitempty"`
	IsNull   bool                   `json:"n,omitempty"`
	Children map[string]*FieldValue `json:"c,omitempty"`
}

// Record is one versioned entity in a collection: a bookmark, a history
// visit, a login, a tab. Local, Mirror and Incoming are the three views a
// reconciliation pass compares.
type Record struct {
	ID       string
	Fields   map[string]*FieldValue
	ParentID string // non-empty only for tree-structured collections
	Position int    // sibling order, tree-structured collections only

	ServerModified time.Time // set only on mirror/incoming rows
	LocalModified  time.Time // set only on local rows

	SyncChangeCounter int
	SyncStatus        SyncStatus

	// Deleted marks an incoming record that carries only a tombstone: its
	// id is real but Fields/ParentID/Position are not. ApplyIncoming uses
	// this to distinguish "server deleted this id" from "server sent a
	// record", since both need the id to look up local/mirror rows but
	// only one should be handed to the reconciler as a present value.
	Deleted bool
}

// Clone returns a deep copy of the record, safe to mutate independently.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}

	c := *r
	c.Fields = make(map[string]*FieldValue, len(r.Fields))

	for k, v := range r.Fields {
		c.Fields[k] = v.clone()
	}

	return &c
}

func (f *FieldValue) clone() *FieldValue {
	if f == nil {
		return nil
	}

	c := *f
	if f.Children != nil {
		c.Children = make(map[string]*FieldValue, len(f.Children))
		for k, v := range f.Children {
			c.Children[k] = v.clone()
		}
	}

	return &c
}

// Tombstone records a deletion so a record cannot be resurrected by a
// third device that has not yet seen the delete.
type Tombstone struct {
	ID        string
	DeletedAt time.Time
}

// FieldStrategy declares how a single field is merged. Dedupe_on
// participation is declared separately, in SchemaDescriptor.DedupeOn.
type FieldStrategy struct {
	Name     string
	Strategy MergeStrategy
	// CompositeRoot names the field this one is keyed under when
	// Strategy == Duplicate is not used but the field is itself a
	// composite (nested) value merged as a unit rather than per-leaf.
	CompositeRoot string
}

// SchemaDescriptor is the closed-variant substitute for a collection-kind
// sum type: one value per real collection, holding everything the
// generic reconciler needs to merge that collection's records.
type SchemaDescriptor struct {
	Name            string
	FieldStrategies []FieldStrategy
	DedupeOn        []string // field names whose equality implies same entity
	TreeStructured  bool
	Tombstones      TombstonePolicy
}

// Strategy looks up the merge strategy for a field, defaulting to
// PreferRemote for fields the schema does not declare.
func (s *SchemaDescriptor) Strategy(field string) MergeStrategy {
	for _, fs := range s.FieldStrategies {
		if fs.Name == field {
			return fs.Strategy
		}
	}

	return PreferRemote
}

// IsDedupeField reports whether field participates in dedupe_on equality.
func (s *SchemaDescriptor) IsDedupeField(field string) bool {
	for _, f := range s.DedupeOn {
		if f == field {
			return true
		}
	}

	return false
}
