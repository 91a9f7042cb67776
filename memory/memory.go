// Package memory defines the core entities of the agent memory subsystem:
// the Memory record itself, its identifiers and type taxonomy, and the
// factory helpers that produce well-formed memories for each recording
// pathway (conversation turns, entity facts, user facts, knowledge chunks,
// and task outcomes).
//
// Memory values are immutable from the caller's perspective: every mutating
// helper (WithMetadata, WithImportance, WithEmbedding) returns a new Memory
// rather than changing the receiver in place, mirroring the value-semantic
// contract the stores in package store honor.
package memory

import (
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Id is the opaque, store-unique identifier of a Memory.
type Id string

// EntityId is the opaque identifier of an entity a memory is about.
type EntityId string

// NormalizeEntityName derives a stable EntityId from a human-readable name by
// lower-casing it and replacing runs of whitespace with underscores.
func NormalizeEntityName(name string) EntityId {
	fields := strings.Fields(strings.ToLower(name))
	return EntityId(strings.Join(fields, "_"))
}

// Type is the closed sum of memory kinds. Custom types carry an arbitrary
// label and are never consolidated (see package consolidate).
type Type struct {
	kind string
	name string // populated only when kind == "custom"
}

var (
	TypeConversation = Type{kind: "conversation"}
	TypeEntity       = Type{kind: "entity"}
	TypeKnowledge    = Type{kind: "knowledge"}
	TypeUserFact     = Type{kind: "user_fact"}
	TypeTask         = Type{kind: "task"}
)

// CustomType builds a Custom(name) memory type.
func CustomType(name string) Type {
	return Type{kind: "custom", name: name}
}

// IsCustom reports whether t is a Custom(name) type, returning name when true.
func (t Type) IsCustom() (string, bool) {
	if t.kind == "custom" {
		return t.name, true
	}
	return "", false
}

// String renders the serialised form used both for display and as the SQL
// parameter value bound for memory_type columns.
func (t Type) String() string {
	if t.kind == "custom" {
		return "custom:" + t.name
	}
	return t.kind
}

// ParseType is the inverse of String.
func ParseType(s string) Type {
	if rest, ok := strings.CutPrefix(s, "custom:"); ok {
		return CustomType(rest)
	}
	switch s {
	case TypeConversation.kind:
		return TypeConversation
	case TypeEntity.kind:
		return TypeEntity
	case TypeKnowledge.kind:
		return TypeKnowledge
	case TypeUserFact.kind:
		return TypeUserFact
	case TypeTask.kind:
		return TypeTask
	default:
		return CustomType(s)
	}
}

// Equal reports whether two types are the same variant (and, for Custom,
// the same name).
func (t Type) Equal(other Type) bool {
	return t.kind == other.kind && t.name == other.name
}

// Well-known metadata keys populated by the factories below and consumed by
// the filter algebra's convenience variants (ByEntity, ByConversation).
const (
	MetaConversationID = "conversation_id"
	MetaRole           = "role"
	MetaEntityID       = "entity_id"
	MetaEntityName     = "entity_name"
	MetaEntityType     = "entity_type"
	MetaUserID         = "user_id"
	MetaSource         = "source"
	MetaChunkIndex     = "chunk_index"
	MetaSuccess        = "success"
)

// Memory is a single recorded unit of agent knowledge.
type Memory struct {
	id         Id
	content    string
	memoryType Type
	metadata   map[string]string
	timestamp  time.Time
	importance *float64
	embedding  []float32
}

// New constructs a Memory directly. Most callers should prefer one of the
// factories below (FromConversation, ForEntity, ...), which populate the
// expected well-known metadata for their type.
func New(id Id, content string, memoryType Type, ts time.Time) Memory {
	return Memory{
		id:         id,
		content:    content,
		memoryType: memoryType,
		metadata:   map[string]string{},
		timestamp:  ts,
	}
}

func (m Memory) ID() Id             { return m.id }
func (m Memory) Content() string    { return m.content }
func (m Memory) Type() Type         { return m.memoryType }
func (m Memory) Timestamp() time.Time { return m.timestamp }

// Metadata returns a defensive copy of the memory's metadata map.
func (m Memory) Metadata() map[string]string {
	out := make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		out[k] = v
	}
	return out
}

// MetadataValue returns the value for key and whether it was present.
func (m Memory) MetadataValue(key string) (string, bool) {
	v, ok := m.metadata[key]
	return v, ok
}

// Importance returns the memory's importance, if set.
func (m Memory) Importance() (float64, bool) {
	if m.importance == nil {
		return 0, false
	}
	return *m.importance, true
}

// Embedding returns the memory's embedding vector, if attached.
func (m Memory) Embedding() []float32 {
	return m.embedding
}

// IsEmbedded reports whether the memory carries an embedding.
func (m Memory) IsEmbedded() bool {
	return len(m.embedding) > 0
}

// ConversationID is a convenience reader over the conversation_id metadata key.
func (m Memory) ConversationID() string {
	v, _ := m.metadata[MetaConversationID]
	return v
}

// Source is a convenience reader over the source metadata key.
func (m Memory) Source() string {
	v, _ := m.metadata[MetaSource]
	return v
}

// WithMetadata returns a copy of m with key set to value (last write wins).
func (m Memory) WithMetadata(key, value string) Memory {
	out := m.clone()
	out.metadata[key] = value
	return out
}

// WithMetadataMap returns a copy of m with every entry of kv applied on top
// of the existing metadata, last write wins per key.
func (m Memory) WithMetadataMap(kv map[string]string) Memory {
	out := m.clone()
	for k, v := range kv {
		out.metadata[k] = v
	}
	return out
}

// WithImportance returns a copy of m with its importance set to x, clamped
// to [0, 1].
func (m Memory) WithImportance(x float64) Memory {
	out := m.clone()
	clamped := clamp01(x)
	out.importance = &clamped
	return out
}

// WithEmbedding returns a copy of m with its embedding replaced by v.
func (m Memory) WithEmbedding(v []float32) Memory {
	out := m.clone()
	out.embedding = append([]float32(nil), v...)
	return out
}

// WithTimestamp returns a copy of m with its timestamp replaced.
func (m Memory) WithTimestamp(ts time.Time) Memory {
	out := m.clone()
	out.timestamp = ts
	return out
}

func (m Memory) clone() Memory {
	out := Memory{
		id:         m.id,
		content:    m.content,
		memoryType: m.memoryType,
		timestamp:  m.timestamp,
		embedding:  m.embedding,
	}
	out.metadata = make(map[string]string, len(m.metadata))
	for k, v := range m.metadata {
		out.metadata[k] = v
	}
	if m.importance != nil {
		imp := *m.importance
		out.importance = &imp
	}
	return out
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// idGenerator is the process-wide snowflake node used by the factories.
// Callers that need deterministic IDs for tests should build a Memory with
// New and an explicit Id instead of using the factories.
var idGenerator = mustNewNode()

func mustNewNode() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		// snowflake.NewNode only fails for an out-of-range node number; 1 is
		// always in range, so this is unreachable in practice.
		panic(err)
	}
	return node
}

func nextID() Id {
	return Id(idGenerator.Generate().String())
}

// FromConversation builds a Conversation memory for a single chat turn.
func FromConversation(content, role, conversationID string) Memory {
	m := New(nextID(), content, TypeConversation, time.Now())
	m = m.WithMetadata(MetaRole, role)
	if conversationID != "" {
		m = m.WithMetadata(MetaConversationID, conversationID)
	}
	return m
}

// ForEntity builds an Entity memory about a named entity.
func ForEntity(entityID EntityId, entityName, content, entityType string) Memory {
	m := New(nextID(), content, TypeEntity, time.Now())
	m = m.WithMetadata(MetaEntityID, string(entityID))
	m = m.WithMetadata(MetaEntityName, entityName)
	m = m.WithMetadata(MetaEntityType, entityType)
	return m
}

// FromKnowledge builds a Knowledge memory for a document chunk.
func FromKnowledge(content, source string, chunkIndex *int) Memory {
	m := New(nextID(), content, TypeKnowledge, time.Now())
	m = m.WithMetadata(MetaSource, source)
	if chunkIndex != nil {
		m = m.WithMetadata(MetaChunkIndex, strconv.Itoa(*chunkIndex))
	}
	return m
}

// UserFact builds a UserFact memory, optionally scoped to a user.
func UserFact(content, userID string) Memory {
	m := New(nextID(), content, TypeUserFact, time.Now())
	if userID != "" {
		m = m.WithMetadata(MetaUserID, userID)
	}
	return m
}

// FromTask builds a Task memory recording an attempted action and its outcome.
func FromTask(description, outcome string, success bool) Memory {
	content := description + " -> " + outcome
	m := New(nextID(), content, TypeTask, time.Now())
	m = m.WithMetadata(MetaSuccess, boolStr(success))
	return m
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
