package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/driftsync/engine/internal/storecore"
)

func dedupeSchema() *storecore.SchemaDescriptor {
	return &storecore.SchemaDescriptor{Name: "bookmarks", DedupeOn: []string{"url"}}
}

func newRecord(id, url string) *storecore.Record {
	return &storecore.Record{
		ID:         id,
		Fields:     map[string]*storecore.FieldValue{"url": fv(url)},
		SyncStatus: storecore.StatusNew,
	}
}

func TestFindDuplicatesMatchesNormalizedCaseAndForm(t *testing.T) {
	local := []*storecore.Record{newRecord("local-1", "HTTPS://EXAMPLE.COM/café")}
	incoming := []*storecore.Record{newRecord("remote-1", "https://example.com/café")}

	candidates := FindDuplicates(dedupeSchema(), local, incoming)

	if assert.Len(t, candidates, 1) {
		assert.Equal(t, "remote-1", candidates[0].KeepID)
		assert.Equal(t, "local-1", candidates[0].RewireID)
	}
}

func TestFindDuplicatesIgnoresNonNewLocalRecords(t *testing.T) {
	alreadySynced := newRecord("local-1", "https://example.com")
	alreadySynced.SyncStatus = storecore.StatusNormal

	incoming := []*storecore.Record{newRecord("remote-1", "https://example.com")}

	candidates := FindDuplicates(dedupeSchema(), []*storecore.Record{alreadySynced}, incoming)
	assert.Empty(t, candidates)
}

func TestFindDuplicatesSkipsWhenSameID(t *testing.T) {
	local := []*storecore.Record{newRecord("shared-id", "https://example.com")}
	incoming := []*storecore.Record{newRecord("shared-id", "https://example.com")}

	candidates := FindDuplicates(dedupeSchema(), local, incoming)
	assert.Empty(t, candidates, "identical ids are not a collision, just the same record")
}

func TestFindDuplicatesNoneWhenSchemaHasNoDedupeFields(t *testing.T) {
	schema := &storecore.SchemaDescriptor{Name: "x"}
	local := []*storecore.Record{newRecord("local-1", "https://example.com")}
	incoming := []*storecore.Record{newRecord("remote-1", "https://example.com")}

	candidates := FindDuplicates(schema, local, incoming)
	assert.Nil(t, candidates)
}

func TestFindDuplicatesNoMatchWhenURLsDiffer(t *testing.T) {
	local := []*storecore.Record{newRecord("local-1", "https://example.com/a")}
	incoming := []*storecore.Record{newRecord("remote-1", "https://example.com/b")}

	candidates := FindDuplicates(dedupeSchema(), local, incoming)
	assert.Empty(t, candidates)
}

func TestNormalizeForDedupeFoldsCaseAndComposesAccents(t *testing.T) {
	a := normalizeForDedupe("Café")
	b := normalizeForDedupe("café") // "e" + combining acute accent, decomposed form
	assert.Equal(t, a, b)
}
