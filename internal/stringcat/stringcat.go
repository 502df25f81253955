// Package stringcat is the consumed localized-string-provider
// interface: a two-layer lookup of an optional override table over a
// built-in English fallback, keyed by string identifier.
package stringcat

// Catalog resolves a message key to display text. Unknown keys fall
// back to the built-in English table.
type Catalog interface {
	Tr(key string) string
}

// English is the built-in fallback table. Language selection happens
// outside the engine; this exists so the engine never has a nil
// Catalog.
var English = builtin{
	"auth.failed":         "authentication failed",
	"connect.failed":      "could not connect to server",
	"duplicate.skip":      "message already exists, skipping",
	"overquota":           "destination mailbox is full",
	"folder.create.fail":  "could not create destination folder",
	"message.id.missing":  "Message-ID not found in header",
	"reconnect.exhausted": "reconnect attempts exhausted",
	"cancelled":           "migration cancelled by user",
}

type builtin map[string]string

func (b builtin) Tr(key string) string {
	if v, ok := b[key]; ok {
		return v
	}
	return key
}

// override composes an override table on top of a base Catalog.
type override struct {
	base  Catalog
	table map[string]string
}

// WithOverride returns a Catalog that prefers entries in table and
// falls back to base otherwise.
func WithOverride(base Catalog, table map[string]string) Catalog {
	if base == nil {
		base = English
	}
	return &override{base: base, table: table}
}

func (o *override) Tr(key string) string {
	if v, ok := o.table[key]; ok {
		return v
	}
	return o.base.Tr(key)
}
