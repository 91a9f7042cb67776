// Package manager implements the memory manager façade: a high-level API
// over any of the memory stores that records conversation turns, entity
// facts, user facts, knowledge chunks, and task outcomes, and formats
// retrieval results into LLM-ready context strings.
//
// Manager is written against the Backend interface rather than a concrete
// store type so it can run over the in-process store, the embedding-aware
// wrapper, or either SQL-backed store without change; NewInProcessBackend
// adapts the value-typed in-process stores into a Backend with a mutex.
package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/consolidate"
	"github.com/ob-labs/agent-memory-go/memory/embedding"
	"github.com/ob-labs/agent-memory-go/memory/filter"
	"github.com/ob-labs/agent-memory-go/memory/llm"
	"github.com/ob-labs/agent-memory-go/memory/store"
)

// Backend is the persistence surface the manager drives. The SQL-backed
// stores (sqlitestore.Store, pgstore.Store) satisfy it directly; the
// value-typed in-process stores are adapted by valueBackend below.
type Backend interface {
	Store(ctx context.Context, m memory.Memory) error
	Get(ctx context.Context, id memory.Id) (memory.Memory, bool, error)
	Recall(ctx context.Context, f filter.Filter, limit int) ([]memory.Memory, error)
	Delete(ctx context.Context, id memory.Id) error
	DeleteMatching(ctx context.Context, f filter.Filter) error
	Update(ctx context.Context, id memory.Id, fn func(memory.Memory) memory.Memory) error
	Count(ctx context.Context, f filter.Filter) (int, error)
	Exists(ctx context.Context, id memory.Id) (bool, error)
	Clear(ctx context.Context) error
	Recent(ctx context.Context, limit int) ([]memory.Memory, error)
	Important(ctx context.Context, threshold float64) ([]memory.Memory, error)
	GetEntityMemories(ctx context.Context, entityID memory.EntityId) ([]memory.Memory, error)
	GetConversation(ctx context.Context, conversationID string) ([]memory.Memory, error)
	Stats(ctx context.Context) (memory.Stats, error)
	Search(ctx context.Context, query string, f filter.Filter, k int) ([]memory.Scored, error)
}

// ConsolidationConfig controls the consolidator the manager drives.
type ConsolidationConfig struct {
	MaxMemoriesPerGroup int
	StrictMode          bool
}

// DefaultConsolidationConfig is the manager's backward-compatible default
// when a legacy five-field Config omits this field.
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{MaxMemoriesPerGroup: 50, StrictMode: false}
}

// Config is the manager's behavior configuration.
type Config struct {
	AutoRecordMessages   bool
	AutoExtractEntities  bool
	DefaultImportance    float64
	ContextTokenBudget   int
	ConsolidationEnabled bool
	ConsolidationConfig  ConsolidationConfig
}

// NewConfig builds a Config from the legacy five-field shape, defaulting
// ConsolidationConfig to {50, false}. Callers that also want non-default
// consolidation behavior should set Config.ConsolidationConfig directly
// after construction.
func NewConfig(autoRecordMessages, autoExtractEntities bool, defaultImportance float64, contextTokenBudget int, consolidationEnabled bool) Config {
	return Config{
		AutoRecordMessages:   autoRecordMessages,
		AutoExtractEntities:  autoExtractEntities,
		DefaultImportance:    defaultImportance,
		ContextTokenBudget:   contextTokenBudget,
		ConsolidationEnabled: consolidationEnabled,
		ConsolidationConfig:  DefaultConsolidationConfig(),
	}
}

// Manager is the façade over a Backend.
type Manager struct {
	backend Backend
	config  Config
	llm     llm.Provider
}

// New builds a Manager. llmProvider may be nil if ConsolidateMemories will
// never be called.
func New(backend Backend, llmProvider llm.Provider, config Config) *Manager {
	if config.ConsolidationConfig == (ConsolidationConfig{}) {
		config.ConsolidationConfig = DefaultConsolidationConfig()
	}
	return &Manager{backend: backend, config: config, llm: llmProvider}
}

// RecordMessage records a single conversation turn.
func (m *Manager) RecordMessage(ctx context.Context, msg, conversationID string, importance *float64) (memory.Memory, error) {
	rec := memory.FromConversation(msg, "user", conversationID)
	rec = m.applyImportance(rec, importance)
	if err := m.backend.Store(ctx, rec); err != nil {
		return memory.Memory{}, err
	}
	return rec, nil
}

// RecordConversation records each message in order, preserving it.
func (m *Manager) RecordConversation(ctx context.Context, messages []llm.Message, conversationID string) error {
	for _, msg := range messages {
		rec := memory.FromConversation(msg.Content, msg.Role, conversationID)
		if err := m.backend.Store(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordEntityFact records a fact about a named entity.
func (m *Manager) RecordEntityFact(ctx context.Context, entityID memory.EntityId, name, content, entityType string, importance *float64) (memory.Memory, error) {
	rec := memory.ForEntity(entityID, name, content, entityType)
	rec = m.applyImportance(rec, importance)
	if err := m.backend.Store(ctx, rec); err != nil {
		return memory.Memory{}, err
	}
	return rec, nil
}

// RecordUserFact records a fact about a user, optionally scoped to userID.
func (m *Manager) RecordUserFact(ctx context.Context, content, userID string, importance *float64) (memory.Memory, error) {
	rec := memory.UserFact(content, userID)
	rec = m.applyImportance(rec, importance)
	if err := m.backend.Store(ctx, rec); err != nil {
		return memory.Memory{}, err
	}
	return rec, nil
}

// RecordKnowledge records a document chunk, merging extraMetadata on top of
// the factory's well-known keys.
func (m *Manager) RecordKnowledge(ctx context.Context, content, source string, extraMetadata map[string]string) (memory.Memory, error) {
	rec := memory.FromKnowledge(content, source, nil)
	if len(extraMetadata) > 0 {
		rec = rec.WithMetadataMap(extraMetadata)
	}
	if err := m.backend.Store(ctx, rec); err != nil {
		return memory.Memory{}, err
	}
	return rec, nil
}

// RecordTask records an attempted action and its outcome.
func (m *Manager) RecordTask(ctx context.Context, description, outcome string, success bool, importance *float64) (memory.Memory, error) {
	rec := memory.FromTask(description, outcome, success)
	rec = m.applyImportance(rec, importance)
	if err := m.backend.Store(ctx, rec); err != nil {
		return memory.Memory{}, err
	}
	return rec, nil
}

func (m *Manager) applyImportance(rec memory.Memory, importance *float64) memory.Memory {
	if importance != nil {
		return rec.WithImportance(*importance)
	}
	if m.config.DefaultImportance != 0 {
		return rec.WithImportance(m.config.DefaultImportance)
	}
	return rec
}

// GetConversationContext returns the most recent limit messages of
// conversationID, formatted oldest-first as one line per turn.
func (m *Manager) GetConversationContext(ctx context.Context, conversationID string, limit int) (string, error) {
	messages, err := m.backend.GetConversation(ctx, conversationID)
	if err != nil {
		return "", err
	}
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	if len(messages) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("## Conversation\n")
	for _, msg := range messages {
		role, _ := msg.MetadataValue(memory.MetaRole)
		if role == "" {
			role = "user"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", role, msg.Content())
	}
	return b.String(), nil
}

// GetEntityContext returns everything known about entityID, formatted as a
// headered section.
func (m *Manager) GetEntityContext(ctx context.Context, entityID memory.EntityId) (string, error) {
	memories, err := m.backend.GetEntityMemories(ctx, entityID)
	if err != nil {
		return "", err
	}
	return formatSection("Entity", memories), nil
}

// GetUserContext returns everything known about userID (or every UserFact,
// whatever its user, when userID is empty), formatted as a headered section.
func (m *Manager) GetUserContext(ctx context.Context, userID string) (string, error) {
	f := filter.ByType(memory.TypeUserFact)
	if userID != "" {
		f = filter.And(f, filter.ByMetadata(memory.MetaUserID, userID))
	}
	memories, err := m.backend.Recall(ctx, f, 0)
	if err != nil {
		return "", err
	}
	return formatSection("UserFact", memories), nil
}

// GetRelevantContext retrieves across all memory types and formats the
// result into headered sections (Knowledge, Entity, UserFact, Task,
// Custom(name)), truncated so the total length never exceeds maxTokens*4
// characters (a 4-char-per-token proxy). Empty when nothing matches.
func (m *Manager) GetRelevantContext(ctx context.Context, query string, maxTokens int) (string, error) {
	results, err := m.backend.Search(ctx, query, filter.All(), 0)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "", nil
	}

	sections := map[string][]memory.Memory{}
	var order []string
	for _, r := range results {
		label := sectionLabel(r.Memory.Type())
		if _, seen := sections[label]; !seen {
			order = append(order, label)
		}
		sections[label] = append(sections[label], r.Memory)
	}

	var b strings.Builder
	for _, label := range order {
		b.WriteString(formatSection(label, sections[label]))
	}

	out := b.String()
	limit := maxTokens * 4
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sectionLabel(t memory.Type) string {
	if name, ok := t.IsCustom(); ok {
		return "Custom(" + name + ")"
	}
	switch {
	case t.Equal(memory.TypeKnowledge):
		return "Knowledge"
	case t.Equal(memory.TypeEntity):
		return "Entity"
	case t.Equal(memory.TypeUserFact):
		return "UserFact"
	case t.Equal(memory.TypeTask):
		return "Task"
	default:
		return "Conversation"
	}
}

func formatSection(label string, memories []memory.Memory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## %s\n", label)
	for _, mem := range memories {
		fmt.Fprintf(&b, "- %s\n", mem.Content())
	}
	return b.String()
}

// Stats returns an aggregated view of the underlying store's contents.
func (m *Manager) Stats(ctx context.Context) (memory.Stats, error) {
	return m.backend.Stats(ctx)
}

// ConsolidateMemories runs the LLM-assisted consolidator over every memory
// older than olderThan, grouped per consolidate.Consolidate's rules,
// summarizing groups of size >= minCount.
func (m *Manager) ConsolidateMemories(ctx context.Context, olderThan time.Time, minCount int) error {
	if m.llm == nil {
		return memory.Validation("ConsolidateMemories", "llm", "no LLM provider configured")
	}
	c := consolidate.New(m.backend, m.llm, consolidate.Config{
		MaxMemoriesPerGroup: m.config.ConsolidationConfig.MaxMemoriesPerGroup,
		StrictMode:          m.config.ConsolidationConfig.StrictMode,
	})
	return c.Consolidate(ctx, olderThan, minCount)
}

// valueBackend adapts the value-typed, functional in-process stores
// (store.Store, store.EmbeddingStore) into a Backend by guarding a mutable
// current snapshot with a mutex: every call locks, applies the value-typed
// operation, stores the returned value, and unlocks.
type valueBackend struct {
	mu  sync.Mutex
	cur store.EmbeddingStore
}

// NewInProcessBackend adapts an in-process Store into a Backend. Every
// stored memory is embedded through the EmbeddingStore wrapper; cache, if
// non-nil, is wired in as that wrapper's embedding cache.
func NewInProcessBackend(inner store.Store, svc embedding.Service, cache store.EmbeddingCache) Backend {
	ws := store.NewEmbedding(inner, svc)
	if cache != nil {
		ws = ws.WithCache(cache)
	}
	return &valueBackend{cur: ws}
}

func (b *valueBackend) Store(ctx context.Context, mem memory.Memory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.cur.Store(ctx, mem)
	if err != nil {
		return err
	}
	b.cur = next
	return nil
}

func (b *valueBackend) Get(_ context.Context, id memory.Id) (memory.Memory, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Get(id)
}

func (b *valueBackend) Recall(_ context.Context, f filter.Filter, limit int) ([]memory.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Recall(f, limit)
}

func (b *valueBackend) Delete(_ context.Context, id memory.Id) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.cur.Delete(id)
	if err != nil {
		return err
	}
	b.cur = next
	return nil
}

func (b *valueBackend) DeleteMatching(_ context.Context, f filter.Filter) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.cur.DeleteMatching(f)
	if err != nil {
		return err
	}
	b.cur = next
	return nil
}

func (b *valueBackend) Update(ctx context.Context, id memory.Id, fn func(memory.Memory) memory.Memory) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.cur.Update(ctx, id, fn)
	if err != nil {
		return err
	}
	b.cur = next
	return nil
}

func (b *valueBackend) Count(_ context.Context, f filter.Filter) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Count(f)
}

func (b *valueBackend) Exists(_ context.Context, id memory.Id) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Exists(id)
}

func (b *valueBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	next, err := b.cur.Clear()
	if err != nil {
		return err
	}
	b.cur = next
	return nil
}

func (b *valueBackend) Recent(_ context.Context, limit int) ([]memory.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Recent(limit)
}

func (b *valueBackend) Important(_ context.Context, threshold float64) ([]memory.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Important(threshold)
}

func (b *valueBackend) GetEntityMemories(_ context.Context, entityID memory.EntityId) ([]memory.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.GetEntityMemories(entityID)
}

func (b *valueBackend) GetConversation(_ context.Context, conversationID string) ([]memory.Memory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.GetConversation(conversationID)
}

func (b *valueBackend) Stats(_ context.Context) (memory.Stats, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Stats()
}

func (b *valueBackend) Search(ctx context.Context, query string, f filter.Filter, k int) ([]memory.Scored, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur.Search(ctx, query, f, k)
}
