// Package sqlitestore implements the embedded SQL memory store on top of
// modernc.org/sqlite, a pure-Go, CGO-free SQLite driver. It keeps an FTS5
// virtual table coherent with the base table for lexical search, and
// compiles the filter algebra to SQL via package filter, falling back to
// row-by-row evaluation for anything the compiler refuses (Custom
// predicates, empty WHERE, or a compile error).
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/filter"
)

const ftsTable = "memories_fts"

// Config configures a Store.
type Config struct {
	// Path is the database file path, or ":memory:" for an in-process,
	// non-persistent database.
	Path string

	// TableName is the base table name; defaults to "memories".
	TableName string
}

// Store is the embedded SQL memory store.
type Store struct {
	db    *sql.DB
	table string
}

// Open creates or opens the database at cfg.Path and bootstraps the schema.
func Open(cfg Config) (*Store, error) {
	table := cfg.TableName
	if table == "" {
		table = "memories"
	}
	if !tableNameRe.MatchString(table) {
		return nil, memory.Validation("Open", "TableName", "must match "+memory.TableNamePattern)
	}

	if cfg.Path != ":memory:" {
		if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, memory.Processing("Open", "failed to create database directory", err)
			}
		}
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, memory.Processing("Open", "failed to open database", err)
	}
	if err := db.Ping(); err != nil {
		return nil, memory.Processing("Open", "failed to connect to database", err)
	}

	s := &Store{db: db, table: table}
	if err := s.bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

var tableNameRe = regexp.MustCompile(memory.TableNamePattern)

func (s *Store) bootstrap(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
  id TEXT PRIMARY KEY,
  content TEXT NOT NULL,
  memory_type TEXT NOT NULL,
  metadata TEXT NOT NULL DEFAULT '{}',
  timestamp INTEGER NOT NULL,
  importance REAL,
  embedding BLOB
)`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return memory.Processing("bootstrap", "failed to create table", err)
	}

	indexes := []string{
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_type ON %s(memory_type)", s.table, s.table),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_timestamp ON %s(timestamp)", s.table, s.table),
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return memory.Processing("bootstrap", "failed to create index", err)
		}
	}

	// A standalone (non external-content) FTS5 table: it duplicates content
	// rather than linking to the base table by rowid, trading a little disk
	// space for simple, app-managed synchronization (INSERT/DELETE mirrored
	// alongside every base-table write) instead of rowid-linked triggers.
	fts := fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(id UNINDEXED, content)`, ftsTable)
	if _, err := s.db.ExecContext(ctx, fts); err != nil {
		// modernc.org/sqlite's default build enables FTS5; a build without it
		// fails bootstrap here, since every write mirrors into this table.
		return memory.Processing("bootstrap", "failed to create FTS5 table (requires FTS5-enabled SQLite build)", err)
	}

	return nil
}

var dialect = filter.Dialect{
	MetadataExpr: func(key string) string {
		return fmt.Sprintf("json_extract(metadata, '$.%s')", key)
	},
	TimeColumn:       "timestamp",
	ImportanceColumn: "importance",
	TypeColumn:       "memory_type",
	ContentColumn:    "content",
	Placeholder:      func(int) string { return "?" },
	LowerExpr:        func(expr string) string { return "lower(" + expr + ")" },
}

// Store inserts m, replacing any existing row with the same id, and keeps
// the FTS index coherent in the same transaction.
func (s *Store) Store(ctx context.Context, m memory.Memory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Processing("Store", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.upsertTx(ctx, tx, m); err != nil {
		return err
	}
	return commit(tx)
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, m memory.Memory) error {
	metadataJSON, err := marshalMetadata(m.Metadata())
	if err != nil {
		return memory.Processing("Store", "failed to marshal metadata", err)
	}

	var importance sql.NullFloat64
	if v, ok := m.Importance(); ok {
		importance = sql.NullFloat64{Float64: v, Valid: true}
	}

	var embeddingBlob []byte
	if m.IsEmbedded() {
		embeddingBlob = packEmbedding(m.Embedding())
	}

	upsert := fmt.Sprintf(`
INSERT INTO %s (id, content, memory_type, metadata, timestamp, importance, embedding)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  content = excluded.content,
  memory_type = excluded.memory_type,
  metadata = excluded.metadata,
  timestamp = excluded.timestamp,
  importance = excluded.importance,
  embedding = excluded.embedding`, s.table)

	if _, err := tx.ExecContext(ctx, upsert,
		string(m.ID()), m.Content(), m.Type().String(), metadataJSON,
		m.Timestamp().UnixMilli(), importance, embeddingBlob,
	); err != nil {
		return memory.Processing("Store", "failed to upsert memory", err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id = ?", ftsTable), string(m.ID())); err != nil {
		return memory.Processing("Store", "failed to clear stale FTS row", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, content) VALUES (?, ?)", ftsTable),
		string(m.ID()), m.Content()); err != nil {
		return memory.Processing("Store", "failed to index FTS row", err)
	}

	return nil
}

// Get returns the memory with the given id, if present.
func (s *Store) Get(ctx context.Context, id memory.Id) (memory.Memory, bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT id, content, memory_type, metadata, timestamp, importance, embedding FROM %s WHERE id = ?", s.table),
		string(id))

	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return memory.Memory{}, false, nil
	}
	if err != nil {
		return memory.Memory{}, false, memory.Processing("Get", "failed to scan row", err)
	}
	return m, true, nil
}

// Recall filters the store with f, ordering matches by timestamp descending
// and truncating to limit (<=0 means unlimited).
func (s *Store) Recall(ctx context.Context, f filter.Filter, limit int) ([]memory.Memory, error) {
	where, params, err := compileOrFallback(f)
	if err != nil {
		return nil, err
	}

	if where == "" {
		return s.recallFallback(ctx, f, limit)
	}

	query := fmt.Sprintf("SELECT id, content, memory_type, metadata, timestamp, importance, embedding FROM %s WHERE %s ORDER BY timestamp DESC", s.table, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, paramValues(params)...)
	if err != nil {
		return nil, memory.Processing("Recall", "query failed", err)
	}
	defer func() { _ = rows.Close() }()

	return scanAll(rows)
}

// recallFallback evaluates f row-by-row, used when f cannot be compiled
// (contains Custom) but callers still want Recall's filtering semantics.
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
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp().After(matches[j].Timestamp())
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *Store) scanTable(ctx context.Context) ([]memory.Memory, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, content, memory_type, metadata, timestamp, importance, embedding FROM %s", s.table))
	if err != nil {
		return nil, memory.Processing("scanTable", "query failed", err)
	}
	defer func() { _ = rows.Close() }()
	return scanAll(rows)
}

// Delete removes id and its FTS row in one transaction.
func (s *Store) Delete(ctx context.Context, id memory.Id) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Processing("Delete", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), string(id)); err != nil {
		return memory.Processing("Delete", "delete failed", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", ftsTable), string(id)); err != nil {
		return memory.Processing("Delete", "FTS cleanup failed", err)
	}
	return commit(tx)
}

// DeleteMatching removes every memory matching f. A Custom filter, an
// unconstrained filter, or a compile failure forces row-by-row evaluation
// collected into one transactional delete; otherwise a single compiled
// DELETE plus FTS cleanup runs directly.
func (s *Store) DeleteMatching(ctx context.Context, f filter.Filter) error {
	where, params, err := compileOrFallback(f)
	if err != nil {
		return err
	}

	// The row-by-row scan runs before the transaction opens, so it reuses the
	// pool's one idle connection instead of opening a second one (which, for
	// ":memory:", would be a separate, empty database).
	var ids []memory.Id
	if where == "" {
		if ids, err = s.matchingIDs(ctx, f); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Processing("DeleteMatching", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if where == "" {
		for _, id := range ids {
			if err := s.deleteTx(ctx, tx, id); err != nil {
				return err
			}
		}
		return commit(tx)
	}

	deleteMain := fmt.Sprintf("DELETE FROM %s WHERE %s", s.table, where)
	if _, err := tx.ExecContext(ctx, deleteMain, paramValues(params)...); err != nil {
		return memory.Processing("DeleteMatching", "delete failed", err)
	}

	// The FTS table has no memory_type/metadata/timestamp columns to filter
	// on directly, so clean it up against whatever ids remain unmatched in
	// the base table: any FTS row whose id no longer exists in the base
	// table is now orphaned.
	cleanup := fmt.Sprintf("DELETE FROM %s WHERE id NOT IN (SELECT id FROM %s)", ftsTable, s.table)
	if _, err := tx.ExecContext(ctx, cleanup); err != nil {
		return memory.Processing("DeleteMatching", "FTS cleanup failed", err)
	}

	return commit(tx)
}

func (s *Store) deleteTx(ctx context.Context, tx *sql.Tx, id memory.Id) error {
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), string(id)); err != nil {
		return memory.Processing("DeleteMatching", "delete failed", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", ftsTable), string(id)); err != nil {
		return memory.Processing("DeleteMatching", "FTS cleanup failed", err)
	}
	return nil
}

func (s *Store) matchingIDs(ctx context.Context, f filter.Filter) ([]memory.Id, error) {
	all, err := s.scanTable(ctx)
	if err != nil {
		return nil, err
	}
	var ids []memory.Id
	for _, m := range all {
		if filter.Evaluate(f, m) {
			ids = append(ids, m.ID())
		}
	}
	return ids, nil
}

// Update reads id, applies fn, and writes the result back in one
// transaction. fn changing the memory's ID is rejected as a ValidationError.
func (s *Store) Update(ctx context.Context, id memory.Id, fn func(memory.Memory) memory.Memory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Processing("Update", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT id, content, memory_type, metadata, timestamp, importance, embedding FROM %s WHERE id = ?", s.table),
		string(id))
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

	if err := s.upsertTx(ctx, tx, updated); err != nil {
		return err
	}
	return commit(tx)
}

// Count returns the number of memories matching f.
func (s *Store) Count(ctx context.Context, f filter.Filter) (int, error) {
	where, params, err := compileOrFallback(f)
	if err != nil {
		return 0, err
	}
	if where == "" {
		ids, err := s.matchingIDs(ctx, f)
		if err != nil {
			return 0, err
		}
		return len(ids), nil
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", s.table, where), paramValues(params)...)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, memory.Processing("Count", "query failed", err)
	}
	return n, nil
}

// Exists reports whether id is present.
func (s *Store) Exists(ctx context.Context, id memory.Id) (bool, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", s.table), string(id))
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

// Clear removes every row from both the base table and the FTS index.
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memory.Processing("Clear", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table)); err != nil {
		return memory.Processing("Clear", "delete failed", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", ftsTable)); err != nil {
		return memory.Processing("Clear", "FTS cleanup failed", err)
	}
	return commit(tx)
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

func (s *Store) GetConversation(ctx context.Context, conversationID string) ([]memory.Memory, error) {
	matches, err := s.Recall(ctx, filter.ByConversation(conversationID), 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp().Before(matches[j].Timestamp())
	})
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

// Search performs a lexical FTS5 MATCH search scoped by f, normalizing
// bm25's unbounded (negative, more-relevant-is-more-negative) score into
// [0,1] via a monotonic transform. This store does not rank by vector
// similarity; the embedding column is stored but never searched.
func (s *Store) Search(ctx context.Context, query string, f filter.Filter, k int) ([]memory.Scored, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id, bm25(%s) FROM %s WHERE %s MATCH ? ORDER BY bm25(%s) LIMIT ?",
		ftsTable, ftsTable, ftsTable, ftsTable),
		ftsQuery(trimmed), maxScan(k))
	if err != nil {
		return nil, memory.Processing("Search", "FTS query failed", err)
	}
	defer func() { _ = rows.Close() }()

	type hit struct {
		id   string
		bm25 float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.bm25); err != nil {
			return nil, memory.Processing("Search", "scan failed", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, memory.Processing("Search", "row iteration failed", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	var scored []memory.Scored
	for _, h := range hits {
		m, ok, err := s.Get(ctx, memory.Id(h.id))
		if err != nil || !ok {
			continue
		}
		if !filter.Evaluate(f, m) {
			continue
		}
		scored = append(scored, memory.Scored{Memory: m, Score: normalizeBM25(h.bm25)})
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// normalizeBM25 maps SQLite FTS5's bm25 score (more negative is more
// relevant, unbounded range) onto (0,1] via 1/(1+|score|), so higher is
// always more relevant regardless of corpus size.
func normalizeBM25(bm25 float64) float64 {
	return 1.0 / (1.0 + math.Abs(bm25))
}

func maxScan(k int) int {
	if k <= 0 {
		return 1000
	}
	// Scan a wider window than k before re-filtering by f, since FTS can't
	// see non-content predicates.
	return k * 10
}

func ftsQuery(q string) string {
	terms := strings.Fields(q)
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(quoted, " OR ")
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func compileOrFallback(f filter.Filter) (string, []filter.Param, error) {
	if f.Kind() == filter.KindAll || f.HasCustom() {
		return "", nil, nil
	}
	frag, params, err := filter.Compile(f, dialect)
	if err != nil {
		var compileErr *filter.CompileError
		if asCompileError(err, &compileErr) {
			return "", nil, nil
		}
		return "", nil, memory.Validation("Recall", "filter", err.Error())
	}
	return frag, params, nil
}

func asCompileError(err error, target **filter.CompileError) bool {
	ce, ok := err.(*filter.CompileError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

// paramValues converts compiled filter params into driver args. Timestamps
// bind as unix millis to match the INTEGER timestamp column; a time.Time
// bound directly would reach SQLite as text, which never compares equal or
// ordered against an integer column.
func paramValues(params []filter.Param) []any {
	out := make([]any, len(params))
	for i, p := range params {
		if p.Kind == filter.PTimestamp {
			out[i] = p.Time.UnixMilli()
			continue
		}
		out[i] = p.Value()
	}
	return out
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalMetadata(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func packEmbedding(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func unpackEmbedding(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(scanner rowScanner) (memory.Memory, error) {
	var (
		id, content, memType, metadataJSON string
		tsMillis                           int64
		importance                         sql.NullFloat64
		embeddingBlob                      []byte
	)

	if err := scanner.Scan(&id, &content, &memType, &metadataJSON, &tsMillis, &importance, &embeddingBlob); err != nil {
		return memory.Memory{}, err
	}

	metadata, err := unmarshalMetadata(metadataJSON)
	if err != nil {
		return memory.Memory{}, err
	}

	m := memory.New(memory.Id(id), content, memory.ParseType(memType), time.UnixMilli(tsMillis))
	m = m.WithMetadataMap(metadata)
	if importance.Valid {
		m = m.WithImportance(importance.Float64)
	}
	if len(embeddingBlob) > 0 {
		m = m.WithEmbedding(unpackEmbedding(embeddingBlob))
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

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return memory.Processing("commit", "transaction commit failed", err)
	}
	return nil
}
