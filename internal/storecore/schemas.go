package storecore

// Registry holds one SchemaDescriptor per real collection. This is the
// closed-variant substitute for a collection-kind sum type: Go has no
// closed sum types, so exhaustiveness is enforced by tests over this
// registry rather than by the type system.
var Registry = map[string]*SchemaDescriptor{
	"bookmarks":    bookmarksSchema,
	"history":      historySchema,
	"logins":       loginsSchema,
	"formautofill": formAutofillSchema,
	"webext":       webExtStorageSchema,
	"tabs":         tabsSchema,
	"adscache":     adsCacheSchema,
}

var bookmarksSchema = &SchemaDescriptor{
	Name: "bookmarks",
	FieldStrategies: []FieldStrategy{
		{Name: "title", Strategy: TakeNewest},
		{Name: "url", Strategy: PreferRemote},
		{Name: "tags", Strategy: PreferRemote},
		{Name: "is_folder", Strategy: PreferTrue},
	},
	DedupeOn:       []string{"url"},
	TreeStructured: true,
	Tombstones:     PreferUpdates,
}

var historySchema = &SchemaDescriptor{
	Name: "history",
	FieldStrategies: []FieldStrategy{
		{Name: "title", Strategy: TakeNewest},
		{Name: "visit_count", Strategy: TakeSum},
		{Name: "last_visit_at", Strategy: TakeMax},
	},
	DedupeOn:   []string{"url"},
	Tombstones: PreferDeletions,
}

var loginsSchema = &SchemaDescriptor{
	Name: "logins",
	FieldStrategies: []FieldStrategy{
		{Name: "username", Strategy: PreferRemote},
		{Name: "password", Strategy: TakeNewest},
		{Name: "times_used", Strategy: TakeSum},
		{Name: "password_changed_at", Strategy: TakeMax},
	},
	DedupeOn:   []string{"hostname", "username", "form_action_origin"},
	Tombstones: PreferDeletions,
}

var formAutofillSchema = &SchemaDescriptor{
	Name: "formautofill",
	FieldStrategies: []FieldStrategy{
		{Name: "value", Strategy: PreferRemote},
		{Name: "times_used", Strategy: TakeSum},
		{Name: "first_used_at", Strategy: TakeMin},
		{Name: "last_used_at", Strategy: TakeMax},
	},
	DedupeOn:   []string{"name", "value"},
	Tombstones: PreferDeletions,
}

var webExtStorageSchema = &SchemaDescriptor{
	Name: "webext",
	FieldStrategies: []FieldStrategy{
		{Name: "value", Strategy: Duplicate},
	},
	DedupeOn:   []string{"extension_id", "key"},
	Tombstones: PreferDeletions,
}

var tabsSchema = &SchemaDescriptor{
	Name: "tabs",
	FieldStrategies: []FieldStrategy{
		{Name: "title", Strategy: PreferRemote},
		{Name: "url_history", Strategy: PreferRemote},
		{Name: "last_used", Strategy: TakeMax},
	},
	DedupeOn:   []string{"client_id"},
	Tombstones: PreferDeletions,
}

var adsCacheSchema = &SchemaDescriptor{
	Name: "adscache",
	FieldStrategies: []FieldStrategy{
		{Name: "payload", Strategy: PreferRemote},
		{Name: "expires_at", Strategy: TakeMax},
		{Name: "hits", Strategy: TakeSum},
	},
	DedupeOn:   []string{"cache_key"},
	Tombstones: PreferDeletions,
}
