package memory

import "time"

// Scored pairs a Memory with the similarity or lexical score a search
// produced for it.
type Scored struct {
	Memory Memory
	Score  float64
}

// Stats is a derived, point-in-time summary of a store's contents.
type Stats struct {
	Total             int
	ByType            map[string]int
	EntityCount       int
	ConversationCount int
	EmbeddedCount     int
	Oldest            *time.Time
	Newest            *time.Time
}

// IdentifierPattern documents the regex every SQL-backed identifier
// (metadata key used in a JSON-path expression, or a table name) must match.
// See filter.ValidateMetadataKey and the sqlitestore/pgstore constructors.
const IdentifierPattern = `^[A-Za-z_][A-Za-z0-9_]*$`

// TableNamePattern documents the regex table names must match; names are
// capped at 63 characters, the PostgreSQL identifier limit.
const TableNamePattern = `^[A-Za-z_][A-Za-z0-9_]{0,62}$`
