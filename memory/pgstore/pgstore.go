// Package pgstore implements the networked SQL memory store on top of
// PostgreSQL with the pgvector extension: JSONB metadata, a native vector
// column, a bounded connection pool, and eager table-name validation at
// construction rather than query time.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/embedding"
	"github.com/ob-labs/agent-memory-go/memory/filter"
)

var tableNameRe = regexp.MustCompile(memory.TableNamePattern)

// Config configures a Store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string

	// TableName is the memories table name. Validated eagerly against
	// memory.TableNamePattern: an illegal name fails at Open, never at
	// query time.
	TableName string

	// Dimensions sizes the pgvector column. Required if any memory stored
	// will carry an embedding.
	Dimensions int

	// MaxOpenConns bounds the connection pool; defaults to 10.
	MaxOpenConns int
}

// Store is the networked SQL memory store.
type Store struct {
	db       *sql.DB
	table    string
	embedder embedding.Service
}

// Open validates cfg, opens a bounded connection pool, and bootstraps the
// schema (pgvector extension, table, indexes) idempotently.
func Open(cfg Config) (*Store, error) {
	table := cfg.TableName
	if table == "" {
		table = "memories"
	}
	if !tableNameRe.MatchString(table) {
		return nil, memory.Validation("Open", "TableName", "must match "+memory.TableNamePattern)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, memory.Processing("Open", "failed to open connection", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	db.SetMaxOpenConns(maxOpen)

	if err := db.Ping(); err != nil {
		return nil, memory.Processing("Open", "failed to connect", err)
	}

	dims := cfg.Dimensions
	if dims <= 0 {
		dims = 1536
	}

	s := &Store{db: db, table: table}
	if err := s.bootstrap(context.Background(), dims); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// WithEmbedder returns a copy of s configured to use svc for semantic
// search. Without one, Search always returns a ProcessingError.
func (s *Store) WithEmbedder(svc embedding.Service) *Store {
	out := *s
	out.embedder = svc
	return &out
}

func (s *Store) bootstrap(ctx context.Context, dims int) error {
	if _, err := s.db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return memory.Processing("bootstrap", "failed to enable pgvector extension", err)
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  content TEXT NOT NULL,
  memory_type TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  importance DOUBLE PRECISION,
  embedding vector(%d)
)`, s.table, dims)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return memory.Processing("bootstrap", "failed to create table", err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_type ON %s(memory_type)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_created_at ON %s(created_at)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_metadata_gin ON %s USING GIN (metadata)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_conversation ON %s ((metadata->>'conversation_id'))", s.table, s.table),
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return memory.Processing("bootstrap", "failed to create index", err)
		}
	}
	return nil
}

var dialect = filter.Dialect{
	MetadataExpr: func(key string) string {
		return fmt.Sprintf("metadata->>'%s'", key)
	},
	TimeColumn:       "created_at",
	ImportanceColumn: "importance",
	TypeColumn:       "memory_type",
	ContentColumn:    "content",
	// Placeholder numbering restarts from n=1 for every Compile call; the
	// caller (see renumberPlaceholders) renumbers when the vector parameter
	// must precede the compiled fragment's own placeholders.
	Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	LowerExpr:   func(expr string) string { return "lower(" + expr + ")" },
}

const selectColumns = "id, content, memory_type, metadata, created_at, importance, embedding"

// Store inserts m, replacing any existing row with the same id.
func (s *Store) Store(ctx context.Context, m memory.Memory) error {
	metadataJSON, err := json.Marshal(m.Metadata())
	if err != nil {
		return memory.Processing("Store", "failed to marshal metadata", err)
	}

	var importance sql.NullFloat64
	if v, ok := m.Importance(); ok {
		importance = sql.NullFloat64{Float64: v, Valid: true}
	}

	var vectorLiteral sql.NullString
	if m.IsEmbedded() {
		vectorLiteral = sql.NullString{String: vectorToString(m.Embedding()), Valid: true}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, content, memory_type, metadata, created_at, importance, embedding)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
  content = excluded.content,
  memory_type = excluded.memory_type,
  metadata = excluded.metadata,
  created_at = excluded.created_at,
  importance = excluded.importance,
  embedding = excluded.embedding`, s.table)

	_, err = s.db.ExecContext(ctx, query,
		string(m.ID()), m.Content(), m.Type().String(), string(metadataJSON),
		m.Timestamp(), importance, vectorLiteral,
	)
	if err != nil {
		return memory.Processing("Store", "insert failed", err)
	}
	return nil
}

// Get returns the memory with the given id, if present.
func (s *Store) Get(ctx context.Context, id memory.Id) (memory.Memory, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", selectColumns, s.table), string(id))
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return memory.Memory{}, false, nil
	}
	if err != nil {
		return memory.Memory{}, false, memory.Processing("Get", "failed to scan row", err)
	}
	return m, true, nil
}

// Recall filters the store with f, ordering matches by created_at
// descending and truncating to limit (<=0 means unlimited).
func (s *Store) Recall(ctx context.Context, f filter.Filter, limit int) ([]memory.Memory, error) {
	if f.HasCustom() {
		return s.recallFallback(ctx, f, limit)
	}

	frag, params, err := filter.Compile(f, dialect)
	if err != nil {
		return nil, memory.Validation("Recall", "filter", err.Error())
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY created_at DESC", selectColumns, s.table, frag)
	if limit > 0 {
		query += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, query, paramValues(params)...)
	if err != nil {
		return nil, memory.Processing("Recall", "query failed", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows)
}

func (s *Store) recallFallback(ctx context.Context, f filter.Filter, limit int) ([]memory.Memory, error) {
	all, err := s.scanTable(ctx)
	if err != nil {
		return nil, err
	}
	var matches []memory.Memory
	for _, m := range all {
		if filter.Evaluate(f, m) {
			matches = append(matches, m)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Timestamp().After(matches[j].Timestamp()) })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) scanTable(ctx context.Context) ([]memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM %s", selectColumns, s.table))
	if err != nil {
		return nil, memory.Processing("scanTable", "query failed", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows)
}

// Delete removes id.
func (s *Store) Delete(ctx context.Context, id memory.Id) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), string(id))
	if err != nil {
		return memory.Processing("Delete", "delete failed", err)
	}
	return nil
}

// DeleteMatching deletes every memory matching f, compiling f to SQL when
// possible and falling back to row-by-row evaluation for Custom predicates.
func (s *Store) DeleteMatching(ctx context.Context, f filter.Filter) error {
	if f.HasCustom() {
		all, err := s.scanTable(ctx)
		if err != nil {
			return err
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return memory.Processing("DeleteMatching", "failed to begin transaction", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, m := range all {
			if filter.Evaluate(f, m) {
				if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), string(m.ID())); err != nil {
					return memory.Processing("DeleteMatching", "delete failed", err)
				}
			}
		}
		if err := tx.Commit(); err != nil {
			return memory.Processing("DeleteMatching", "commit failed", err)
		}
		return nil
	}

	frag, params, err := filter.Compile(f, dialect)
	if err != nil {
		return memory.Validation("DeleteMatching", "filter", err.Error())
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", s.table, frag), paramValues(params)...)
	if err != nil {
		return memory.Processing("DeleteMatching", "delete failed", err)
	}
	return nil
}

// Update reads id, applies fn, and writes the result back. A transaction
// guards the read-modify-write against concurrent writers.
func (s *Store) Update(ctx context.Context, id memory.Id, fn func(memory.Memory) memory.Memory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Processing("Update", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", selectColumns, s.table), string(id))
	existing, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return memory.NotFound("Update", string(id))
	}
	if err != nil {
		return memory.Processing("Update", "failed to scan row", err)
	}

	updated := fn(existing)
	if updated.ID() != id {
		return memory.Validation("Update", "id", "update function must not change a memory's ID")
	}

	metadataJSON, err := json.Marshal(updated.Metadata())
	if err != nil {
		return memory.Processing("Update", "failed to marshal metadata", err)
	}
	var importance sql.NullFloat64
	if v, ok := updated.Importance(); ok {
		importance = sql.NullFloat64{Float64: v, Valid: true}
	}
	var vectorLiteral sql.NullString
	if updated.IsEmbedded() {
		vectorLiteral = sql.NullString{String: vectorToString(updated.Embedding()), Valid: true}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET content = $1, memory_type = $2, metadata = $3, created_at = $4, importance = $5, embedding = $6
WHERE id = $7`, s.table),
		updated.Content(), updated.Type().String(), string(metadataJSON), updated.Timestamp(), importance, vectorLiteral, string(id))
	if err != nil {
		return memory.Processing("Update", "update failed", err)
	}

	if err := tx.Commit(); err != nil {
		return memory.Processing("Update", "commit failed", err)
	}
	return nil
}

// Count returns the number of memories matching f.
func (s *Store) Count(ctx context.Context, f filter.Filter) (int, error) {
	if f.HasCustom() {
		all, err := s.scanTable(ctx)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, m := range all {
			if filter.Evaluate(f, m) {
				n++
			}
		}
		return n, nil
	}

	frag, params, err := filter.Compile(f, dialect)
	if err != nil {
		return 0, memory.Validation("Count", "filter", err.Error())
	}
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.table, frag), paramValues(params)...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, memory.Processing("Count", "query failed", err)
	}
	return n, nil
}

// Exists reports whether id is present.
func (s *Store) Exists(ctx context.Context, id memory.Id) (bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1", s.table), string(id))
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, memory.Processing("Exists", "query failed", err)
	}
	return true, nil
}

// Clear removes every row.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return memory.Processing("Clear", "delete failed", err)
	}
	return nil
}

func (s *Store) Recent(ctx context.Context, limit int) ([]memory.Memory, error) {
	return s.Recall(ctx, filter.All(), limit)
}

func (s *Store) Important(ctx context.Context, threshold float64) ([]memory.Memory, error) {
	return s.Recall(ctx, filter.MinImportance(threshold), 0)
}

func (s *Store) GetEntityMemories(ctx context.Context, entityID memory.EntityId) ([]memory.Memory, error) {
	return s.Recall(ctx, filter.ByEntity(entityID), 0)
}

// GetConversation exercises the expression index on
// metadata->>'conversation_id' and returns the conversation in chronological
// order.
func (s *Store) GetConversation(ctx context.Context, conversationID string) ([]memory.Memory, error) {
	matches, err := s.Recall(ctx, filter.ByConversation(conversationID), 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Timestamp().Before(matches[j].Timestamp()) })
	return matches, nil
}

// Stats returns an aggregated view of the store's contents.
func (s *Store) Stats(ctx context.Context) (memory.Stats, error) {
	all, err := s.scanTable(ctx)
	if err != nil {
		return memory.Stats{}, err
	}
	stats := memory.Stats{ByType: map[string]int{}}
	for _, m := range all {
		stats.Total++
		stats.ByType[m.Type().String()]++
		if m.Type().Equal(memory.TypeEntity) {
			stats.EntityCount++
		}
		if m.Type().Equal(memory.TypeConversation) {
			stats.ConversationCount++
		}
		if m.IsEmbedded() {
			stats.EmbeddedCount++
		}
		ts := m.Timestamp()
		if stats.Oldest == nil || ts.Before(*stats.Oldest) {
			oldest := ts
			stats.Oldest = &oldest
		}
		if stats.Newest == nil || ts.After(*stats.Newest) {
			newest := ts
			stats.Newest = &newest
		}
	}
	return stats, nil
}

// Search performs native pgvector similarity search via the `<->` distance
// operator, ordered nearest-first. Until an embedding service is attached
// this returns a ProcessingError rather than silently degrading. A filter
// containing a Custom predicate is evaluated row by row on the k nearest
// rows, so fewer than k results may come back.
func (s *Store) Search(ctx context.Context, query string, f filter.Filter, k int) ([]memory.Scored, error) {
	if s.embedder == nil {
		return nil, memory.Processing("Search", "no embedding service attached; semantic search requires one", nil)
	}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil
	}

	queryVector, err := s.embedder.Embed(ctx, trimmed)
	if err != nil {
		return nil, memory.Processing("Search", "failed to embed query", err)
	}

	frag := "1=1"
	var params []filter.Param
	if f.Kind() != filter.KindAll && !f.HasCustom() {
		compiled, compiledParams, err := filter.Compile(f, dialect)
		if err != nil {
			return nil, memory.Validation("Search", "filter", err.Error())
		}
		frag, params = compiled, compiledParams
	}

	// The vector literal is bound as $1; every placeholder the compiled
	// fragment emits must be renumbered to start from $2.
	frag = renumberPlaceholders(frag, 1)

	limit := k
	if limit <= 0 {
		limit = 10
	}

	sqlQuery := fmt.Sprintf(`
SELECT %s, 1 - (embedding <-> $1) AS similarity
FROM %s
WHERE embedding IS NOT NULL AND (%s)
ORDER BY embedding <-> $1
LIMIT %d`, selectColumns, s.table, frag, limit)

	args := append([]any{vectorToString(queryVector)}, paramValues(params)...)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, memory.Processing("Search", "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	var scored []memory.Scored
	for rows.Next() {
		var similarity float64
		m, err := scanMemoryWithScore(rows, &similarity)
		if err != nil {
			return nil, memory.Processing("Search", "failed to scan row", err)
		}
		if !isFiniteVector(m.Embedding()) {
			continue
		}
		if f.HasCustom() && !filter.Evaluate(f, m) {
			continue
		}
		scored = append(scored, memory.Scored{Memory: m, Score: similarity})
	}
	if err := rows.Err(); err != nil {
		return nil, memory.Processing("Search", "row iteration failed", err)
	}
	return scored, nil
}

// renumberPlaceholders shifts every "$N" placeholder in frag up by offset,
// since the caller has already bound offset parameters ahead of frag's own.
func renumberPlaceholders(frag string, offset int) string {
	var b strings.Builder
	i := 0
	for i < len(frag) {
		if frag[i] == '$' && i+1 < len(frag) && frag[i+1] >= '0' && frag[i+1] <= '9' {
			j := i + 1
			for j < len(frag) && frag[j] >= '0' && frag[j] <= '9' {
				j++
			}
			n, _ := strconv.Atoi(frag[i+1 : j])
			b.WriteString("$" + strconv.Itoa(n+offset))
			i = j
			continue
		}
		b.WriteByte(frag[i])
		i++
	}
	return b.String()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func paramValues(params []filter.Param) []any {
	out := make([]any, len(params))
	for i, p := range params {
		out[i] = p.Value()
	}
	return out
}

// vectorToString serializes v in pgvector's dot-decimal literal format.
func vectorToString(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(float64(x), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// parseVectorString is a lenient inverse of vectorToString: malformed or
// empty text yields an empty vector rather than an error.
func parseVectorString(s string) []float32 {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "[]")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			continue
		}
		out = append(out, float32(f))
	}
	return out
}

func isFiniteVector(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if f != f || f > 1e300 || f < -1e300 {
			return false
		}
	}
	return true
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(scanner rowScanner) (memory.Memory, error) {
	var (
		id, content, memType string
		metadataBytes        []byte
		createdAt            time.Time
		importance           sql.NullFloat64
		embeddingStr         sql.NullString
	)
	if err := scanner.Scan(&id, &content, &memType, &metadataBytes, &createdAt, &importance, &embeddingStr); err != nil {
		return memory.Memory{}, err
	}
	return buildMemory(id, content, memType, metadataBytes, createdAt, importance, embeddingStr)
}

func scanMemoryWithScore(scanner rowScanner, similarity *float64) (memory.Memory, error) {
	var (
		id, content, memType string
		metadataBytes        []byte
		createdAt            time.Time
		importance           sql.NullFloat64
		embeddingStr         sql.NullString
	)
	if err := scanner.Scan(&id, &content, &memType, &metadataBytes, &createdAt, &importance, &embeddingStr, similarity); err != nil {
		return memory.Memory{}, err
	}
	return buildMemory(id, content, memType, metadataBytes, createdAt, importance, embeddingStr)
}

func buildMemory(id, content, memType string, metadataBytes []byte, createdAt time.Time, importance sql.NullFloat64, embeddingStr sql.NullString) (memory.Memory, error) {
	metadata, err := jsonToMetadata(metadataBytes)
	if err != nil {
		return memory.Memory{}, err
	}

	m := memory.New(memory.Id(id), content, memory.ParseType(memType), createdAt)
	m = m.WithMetadataMap(metadata)
	if importance.Valid {
		m = m.WithImportance(importance.Float64)
	}
	if embeddingStr.Valid {
		if v := parseVectorString(embeddingStr.String); len(v) > 0 {
			m = m.WithEmbedding(v)
		}
	}
	return m, nil
}

func scanAll(rows *sql.Rows) ([]memory.Memory, error) {
	var out []memory.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, memory.Processing("scanAll", "failed to scan row", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, memory.Processing("scanAll", "row iteration failed", err)
	}
	return out, nil
}

// jsonToMetadata is the inverse of json.Marshal over a string->string map.
// Non-string JSON leaf values are coerced to their string form; empty or
// null input produces an empty map.
func jsonToMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]string{}, nil
	}

	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(generic))
	for k, v := range generic {
		switch tv := v.(type) {
		case string:
			out[k] = tv
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(tv)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}
