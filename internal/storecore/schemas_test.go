package storecore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegistryExhaustive guards the closed-variant substitute for a
// collection-kind sum type: since Go has no closed sum types, every
// collection name the rest of the system assumes exists must actually be
// registered.
func TestRegistryExhaustive(t *testing.T) {
	want := []string{"bookmarks", "history", "logins", "formautofill", "webext", "tabs", "adscache"}

	assert.Len(t, Registry, len(want))

	for _, name := range want {
		schema, ok := Registry[name]
		require.Truef(t, ok, "collection %q missing from Registry", name)
		assert.Equal(t, name, schema.Name)
	}
}

func TestRegistryEntriesDeclareDedupeFields(t *testing.T) {
	for name, schema := range Registry {
		assert.NotEmptyf(t, schema.DedupeOn, "collection %q has no dedupe_on fields", name)
	}
}

func TestSchemaDescriptorStrategyDefaultsToPreferRemote(t *testing.T) {
	schema := &SchemaDescriptor{
		FieldStrategies: []FieldStrategy{{Name: "title", Strategy: TakeNewest}},
	}

	assert.Equal(t, TakeNewest, schema.Strategy("title"))
	assert.Equal(t, PreferRemote, schema.Strategy("undeclared_field"))
}

func TestSchemaDescriptorIsDedupeField(t *testing.T) {
	schema := &SchemaDescriptor{DedupeOn: []string{"url", "hostname"}}

	assert.True(t, schema.IsDedupeField("url"))
	assert.True(t, schema.IsDedupeField("hostname"))
	assert.False(t, schema.IsDedupeField("title"))
}

func TestOnlyBookmarksIsTreeStructured(t *testing.T) {
	for name, schema := range Registry {
		if name == "bookmarks" {
			assert.True(t, schema.TreeStructured)
			continue
		}

		assert.Falsef(t, schema.TreeStructured, "collection %q unexpectedly tree-structured", name)
	}
}
