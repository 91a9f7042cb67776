// Package consolidate implements the LLM-assisted memory consolidator: it
// groups aging memories by type and a type-specific grouping key, summarizes
// each group with a single LLM call, and replaces the group with one
// consolidated memory that carries forward bookkeeping metadata about what
// it replaced.
package consolidate

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/filter"
	"github.com/ob-labs/agent-memory-go/memory/llm"
)

// Well-known bookkeeping metadata keys the consolidator writes onto every
// memory it produces.
const (
	MetaConsolidatedFrom    = "consolidated_from"
	MetaConsolidationMethod = "consolidation_method"
	MetaConsolidatedAt      = "consolidated_at"
	MetaOriginalIDs         = "original_ids"

	consolidationMethodValue = "llm_summary"
)

// noUserSentinel is the grouping key used for UserFact memories that carry
// no user_id metadata.
const noUserSentinel = "__no_user__"

// globalTaskBucket is the single grouping key every Task memory shares.
const globalTaskBucket = "__all_tasks__"

// Store is the minimal persistence surface the consolidator needs. Both
// memory/store's value-typed wrapper (via manager's mutable adapter) and the
// SQL-backed stores satisfy it structurally, since manager.Backend declares
// a superset of these methods with identical signatures.
type Store interface {
	Recall(ctx context.Context, f filter.Filter, limit int) ([]memory.Memory, error)
	Store(ctx context.Context, m memory.Memory) error
	Delete(ctx context.Context, id memory.Id) error
}

// Config controls consolidation behavior.
type Config struct {
	// MaxMemoriesPerGroup caps how many memories a single LLM call
	// summarizes; groups larger than this are truncated to their oldest
	// MaxMemoriesPerGroup members before the prompt is composed, so a
	// runaway group can never blow the LLM's context window.
	MaxMemoriesPerGroup int

	// StrictMode, when true, aborts the whole Consolidate call on the first
	// group that fails to summarize or replace. When false, a failing
	// group is logged and left untouched while the remaining groups still
	// run.
	StrictMode bool
}

// DefaultConfig matches the manager's backward-compatible default.
func DefaultConfig() Config {
	return Config{MaxMemoriesPerGroup: 50, StrictMode: false}
}

// Consolidator groups aging memories and replaces each qualifying group with
// an LLM-produced summary.
type Consolidator struct {
	store    Store
	provider llm.Provider
	config   Config
	now      func() time.Time
}

// New builds a Consolidator. config.MaxMemoriesPerGroup defaults to 50 when
// zero.
func New(store Store, provider llm.Provider, config Config) *Consolidator {
	if config.MaxMemoriesPerGroup <= 0 {
		config.MaxMemoriesPerGroup = 50
	}
	return &Consolidator{store: store, provider: provider, config: config, now: time.Now}
}

// groupKey identifies one consolidation group.
type groupKey struct {
	memType memory.Type
	key     string
}

func (g groupKey) sortKey() string {
	return g.memType.String() + "\x00" + g.key
}

// groupingKeyFor returns the grouping key for m and whether m participates
// in consolidation at all (Custom types never do).
func groupingKeyFor(m memory.Memory) (string, bool) {
	switch {
	case m.Type().Equal(memory.TypeConversation):
		return m.ConversationID(), true
	case m.Type().Equal(memory.TypeEntity):
		v, _ := m.MetadataValue(memory.MetaEntityID)
		return v, true
	case m.Type().Equal(memory.TypeUserFact):
		v, ok := m.MetadataValue(memory.MetaUserID)
		if !ok || v == "" {
			return noUserSentinel, true
		}
		return v, true
	case m.Type().Equal(memory.TypeKnowledge):
		return m.Source(), true
	case m.Type().Equal(memory.TypeTask):
		return globalTaskBucket, true
	default:
		return "", false
	}
}

// Consolidate groups every memory timestamped strictly before olderThan by
// (memoryType, groupingKey), summarizes each group of size >= minCount with
// one LLM call, and replaces it with a single consolidated memory. Groups
// are processed in a deterministic (memType, key) lexicographic order so
// that identical inputs always produce identical results.
func (c *Consolidator) Consolidate(ctx context.Context, olderThan time.Time, minCount int) error {
	all, err := c.store.Recall(ctx, filter.All(), 0)
	if err != nil {
		return memory.Processing("Consolidate", "failed to list candidate memories", err)
	}

	groups := map[groupKey][]memory.Memory{}
	for _, m := range all {
		if !m.Timestamp().Before(olderThan) {
			continue
		}
		key, ok := groupingKeyFor(m)
		if !ok {
			continue
		}
		gk := groupKey{memType: m.Type(), key: key}
		groups[gk] = append(groups[gk], m)
	}

	var keys []groupKey
	for gk, members := range groups {
		if len(members) >= minCount {
			keys = append(keys, gk)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].sortKey() < keys[j].sortKey() })

	for _, gk := range keys {
		if err := c.consolidateGroup(ctx, gk, groups[gk]); err != nil {
			if c.config.StrictMode {
				return err
			}
			log.Printf("consolidate: group %s/%s failed, originals kept: %v", gk.memType.String(), gk.key, err)
		}
	}
	return nil
}

func (c *Consolidator) consolidateGroup(ctx context.Context, gk groupKey, members []memory.Memory) error {
	sorted := append([]memory.Memory(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp().Before(sorted[j].Timestamp()) })

	truncated := sorted
	if c.config.MaxMemoriesPerGroup > 0 && len(truncated) > c.config.MaxMemoriesPerGroup {
		truncated = truncated[:c.config.MaxMemoriesPerGroup]
	}

	completion, err := c.provider.Complete(ctx, consolidationPrompt(gk.memType, truncated), llm.Options{})
	if err != nil {
		return memory.API("consolidate", "LLM consolidation call failed", err)
	}

	consolidated := buildConsolidatedMemory(gk.memType, sorted, completion.Content, c.now())

	if err := c.store.Store(ctx, consolidated); err != nil {
		return memory.Processing("consolidate", "failed to store consolidated memory", err)
	}
	for _, m := range sorted {
		if err := c.store.Delete(ctx, m.ID()); err != nil {
			return memory.Processing("consolidate", "failed to delete original memory "+string(m.ID()), err)
		}
	}
	return nil
}

// consolidationPrompt composes the LLM request naming the memory type and
// listing the group's contents in chronological order.
func consolidationPrompt(t memory.Type, members []memory.Memory) []llm.Message {
	var body strings.Builder
	for i, m := range members {
		fmt.Fprintf(&body, "%d. [%s] %s\n", i+1, m.Timestamp().Format(time.RFC3339), m.Content())
	}
	system := fmt.Sprintf(
		"You summarize groups of %s memories for an agent's long-term memory store. "+
			"Produce a single concise summary that preserves every fact worth remembering; "+
			"pick a shape appropriate to this memory type.", t.String())
	return []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: body.String()},
	}
}

func buildConsolidatedMemory(t memory.Type, sorted []memory.Memory, summary string, now time.Time) memory.Memory {
	latest := sorted[len(sorted)-1].Timestamp()

	consolidated := memory.New(memory.Id(uuid.NewString()), summary, t, latest)

	carryForward := map[string]string{}
	switch {
	case t.Equal(memory.TypeConversation):
		if v := sorted[0].ConversationID(); v != "" {
			carryForward[memory.MetaConversationID] = v
		}
	case t.Equal(memory.TypeEntity):
		for _, key := range []string{memory.MetaEntityID, memory.MetaEntityName, memory.MetaEntityType} {
			if v, ok := sorted[0].MetadataValue(key); ok {
				carryForward[key] = v
			}
		}
	case t.Equal(memory.TypeUserFact):
		if v, ok := sorted[0].MetadataValue(memory.MetaUserID); ok {
			carryForward[memory.MetaUserID] = v
		}
	case t.Equal(memory.TypeKnowledge):
		if v := sorted[0].Source(); v != "" {
			carryForward[memory.MetaSource] = v
		}
	}
	consolidated = consolidated.WithMetadataMap(carryForward)

	ids := make([]string, len(sorted))
	var maxImportance *float64
	for i, m := range sorted {
		ids[i] = string(m.ID())
		if v, ok := m.Importance(); ok {
			if maxImportance == nil || v > *maxImportance {
				imp := v
				maxImportance = &imp
			}
		}
	}

	consolidated = consolidated.WithMetadata(MetaConsolidatedFrom, strconv.Itoa(len(sorted)))
	consolidated = consolidated.WithMetadata(MetaConsolidationMethod, consolidationMethodValue)
	consolidated = consolidated.WithMetadata(MetaConsolidatedAt, now.UTC().Format(time.RFC3339))
	consolidated = consolidated.WithMetadata(MetaOriginalIDs, strings.Join(ids, ","))

	if maxImportance != nil {
		consolidated = consolidated.WithImportance(*maxImportance)
	}
	return consolidated
}
