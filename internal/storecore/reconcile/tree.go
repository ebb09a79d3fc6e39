package reconcile

import (
	"sort"

	"github.com/driftsync/engine/internal/storecore"
)

// StructureMove describes a parent/position change the tree merge pass
// wants applied, staged separately from content changes so the two-phase
// apply (contents/ids, then parent pointers/positions) can run after all
// content merges for the page have completed.
type StructureMove struct {
	ID       string
	ParentID string
	Position int
}

// MergeStructure computes the structure-merge pass for tree-structured
// collections: for every record whose parent/position
// differs between mirror and incoming, stage a move; local structure edits
// win over incoming ones only when the local side actually changed the
// parent/position relative to mirror (mirrors the file reconciler's
// localChanged/remoteChanged precomputation).
func MergeStructure(schema *storecore.SchemaDescriptor, local, mirror, incoming map[string]*storecore.Record) []StructureMove {
	if !schema.TreeStructured {
		return nil
	}

	var moves []StructureMove

	ids := unionIDs(local, mirror, incoming)

	for _, id := range ids {
		l, hasL := local[id]
		m, hasM := mirror[id]
		inc, hasI := incoming[id]

		localMoved := hasL && (!hasM || l.ParentID != m.ParentID || l.Position != m.Position)
		incomingMoved := hasI && (!hasM || inc.ParentID != m.ParentID || inc.Position != m.Position)

		switch {
		case incomingMoved && !localMoved:
			moves = append(moves, StructureMove{ID: id, ParentID: inc.ParentID, Position: inc.Position})
		case localMoved && !incomingMoved && hasL:
			moves = append(moves, StructureMove{ID: id, ParentID: l.ParentID, Position: l.Position})
		case localMoved && incomingMoved:
			// Both moved: incoming (server) wins the structural slot,
			// per PreferRemote default — field merges already resolved
			// content-level conflicts separately.
			moves = append(moves, StructureMove{ID: id, ParentID: inc.ParentID, Position: inc.Position})
		}
	}

	repairCycles(moves, incoming)

	return moves
}

func unionIDs(maps ...map[string]*storecore.Record) []string {
	seen := make(map[string]bool)

	var out []string

	for _, m := range maps {
		for id := range m {
			if !seen[id] {
				seen[id] = true

				out = append(out, id)
			}
		}
	}

	sort.Strings(out)

	return out
}

// repairCycles detects a move that would make a record its own ancestor
// (a corrupt incoming tree) and repoints it under the unfiled root instead
// of applying the cycle.
const unfiledRootID = "unfiled"

func repairCycles(moves []StructureMove, incoming map[string]*storecore.Record) {
	parentOf := make(map[string]string, len(moves))

	for _, mv := range moves {
		parentOf[mv.ID] = mv.ParentID
	}

	lookupParent := func(id string) (string, bool) {
		if p, ok := parentOf[id]; ok {
			return p, true
		}

		if rec, ok := incoming[id]; ok {
			return rec.ParentID, true
		}

		return "", false
	}

	for i := range moves {
		if hasCycle(moves[i].ID, moves[i].ParentID, lookupParent) {
			moves[i].ParentID = unfiledRootID
		}
	}
}

func hasCycle(id, parent string, lookupParent func(string) (string, bool)) bool {
	visited := map[string]bool{id: true}

	current := parent
	for i := 0; i < 64; i++ { // bounded: a well-formed tree has no cycles at all
		if current == "" || current == unfiledRootID {
			return false
		}

		if visited[current] {
			return true
		}

		visited[current] = true

		next, ok := lookupParent(current)
		if !ok {
			return false
		}

		current = next
	}

	return true
}
