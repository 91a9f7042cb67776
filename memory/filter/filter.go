// Package filter implements the closed predicate algebra memories are
// selected by: a tagged sum of variants (All, None, ByType, ByMetadata, ...)
// with an exhaustive in-process evaluator and two SQL compilers (one per
// SQL-backed store). Every compiler refuses to translate a Custom predicate
// so its owning store can fall back to row-by-row evaluation, and every
// ByMetadata-style variant validates its key against the identifier regex
// at compile time rather than at query time.
package filter

import (
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ob-labs/agent-memory-go/memory"
)

var identifierRe = regexp.MustCompile(memory.IdentifierPattern)

// ValidateMetadataKey reports whether key is safe to embed in a SQL
// JSON-path expression.
func ValidateMetadataKey(key string) bool {
	return identifierRe.MatchString(key)
}

// Kind discriminates the Filter variants.
type Kind int

const (
	KindAll Kind = iota
	KindNone
	KindByType
	KindByTypes
	KindByMetadata
	KindHasMetadata
	KindMetadataContains
	KindByEntity
	KindByConversation
	KindByTimeRange
	KindMinImportance
	KindContentContains
	KindAnd
	KindOr
	KindNot
	KindCustom
)

// Filter is the closed tagged sum of memory predicates. Construct values
// with the package-level constructors (All(), ByType(t), And(l, r), ...)
// rather than the struct literal; the zero value is not a valid Filter.
type Filter struct {
	kind Kind

	memType  memory.Type
	types    []memory.Type
	key      string
	value    string
	after    *time.Time
	before   *time.Time
	minScore float64

	caseSensitive bool

	left  *Filter
	right *Filter
	inner *Filter

	custom func(memory.Memory) bool
	// customLabel names the Custom predicate for diagnostics; it has no
	// semantic meaning and is never compared.
	customLabel string
}

func All() Filter  { return Filter{kind: KindAll} }
func None() Filter { return Filter{kind: KindNone} }

func ByType(t memory.Type) Filter { return Filter{kind: KindByType, memType: t} }

func ByTypes(types ...memory.Type) Filter {
	cp := append([]memory.Type(nil), types...)
	return Filter{kind: KindByTypes, types: cp}
}

func ByMetadata(key, value string) Filter {
	return Filter{kind: KindByMetadata, key: key, value: value}
}

func HasMetadata(key string) Filter {
	return Filter{kind: KindHasMetadata, key: key}
}

func MetadataContains(key, substr string) Filter {
	return Filter{kind: KindMetadataContains, key: key, value: substr}
}

func ByEntity(entityID memory.EntityId) Filter {
	return Filter{kind: KindByEntity, value: string(entityID)}
}

func ByConversation(conversationID string) Filter {
	return Filter{kind: KindByConversation, value: conversationID}
}

// ByTimeRange matches memories timestamped within [after, before]. Either
// bound may be nil to leave that side unconstrained.
func ByTimeRange(after, before *time.Time) Filter {
	return Filter{kind: KindByTimeRange, after: after, before: before}
}

func MinImportance(x float64) Filter {
	return Filter{kind: KindMinImportance, minScore: x}
}

// ContentContains matches memories whose content contains s. Comparison is
// case-insensitive unless caseSensitive is true.
func ContentContains(s string, caseSensitive bool) Filter {
	return Filter{kind: KindContentContains, value: s, caseSensitive: caseSensitive}
}

func And(l, r Filter) Filter { return Filter{kind: KindAnd, left: &l, right: &r} }
func Or(l, r Filter) Filter  { return Filter{kind: KindOr, left: &l, right: &r} }
func Not(f Filter) Filter    { return Filter{kind: KindNot, inner: &f} }

// Custom wraps an arbitrary in-process predicate. SQL compilers always
// refuse to translate it; stores must fall back to row-by-row evaluation
// for any filter tree containing one, at any depth.
func Custom(label string, predicate func(memory.Memory) bool) Filter {
	return Filter{kind: KindCustom, custom: predicate, customLabel: label}
}

func (f Filter) Kind() Kind { return f.kind }

// HasCustom reports whether f contains a Custom variant at any depth.
func (f Filter) HasCustom() bool {
	switch f.kind {
	case KindCustom:
		return true
	case KindAnd, KindOr:
		return f.left.HasCustom() || f.right.HasCustom()
	case KindNot:
		return f.inner.HasCustom()
	default:
		return false
	}
}

// Evaluate applies f to m in-process. This is the single exhaustive
// evaluator every store backend (in-process, SQL-fallback) delegates to.
func Evaluate(f Filter, m memory.Memory) bool {
	switch f.kind {
	case KindAll:
		return true
	case KindNone:
		return false
	case KindByType:
		return m.Type().Equal(f.memType)
	case KindByTypes:
		for _, t := range f.types {
			if m.Type().Equal(t) {
				return true
			}
		}
		return false
	case KindByMetadata:
		v, ok := m.MetadataValue(f.key)
		return ok && v == f.value
	case KindHasMetadata:
		_, ok := m.MetadataValue(f.key)
		return ok
	case KindMetadataContains:
		v, ok := m.MetadataValue(f.key)
		return ok && strings.Contains(v, f.value)
	case KindByEntity:
		v, ok := m.MetadataValue(memory.MetaEntityID)
		return ok && v == f.value
	case KindByConversation:
		v, ok := m.MetadataValue(memory.MetaConversationID)
		return ok && v == f.value
	case KindByTimeRange:
		ts := m.Timestamp()
		if f.after != nil && ts.Before(*f.after) {
			return false
		}
		if f.before != nil && ts.After(*f.before) {
			return false
		}
		return true
	case KindMinImportance:
		imp, ok := m.Importance()
		return ok && imp >= f.minScore
	case KindContentContains:
		content := m.Content()
		needle := f.value
		if !f.caseSensitive {
			content = strings.ToLower(content)
			needle = strings.ToLower(needle)
		}
		return strings.Contains(content, needle)
	case KindAnd:
		return Evaluate(*f.left, m) && Evaluate(*f.right, m)
	case KindOr:
		return Evaluate(*f.left, m) || Evaluate(*f.right, m)
	case KindNot:
		return !Evaluate(*f.inner, m)
	case KindCustom:
		return f.custom(m)
	default:
		return false
	}
}

// sortedTypeNames returns the serialised names of types, sorted, for
// deterministic SQL IN (...) parameter ordering.
func sortedTypeNames(types []memory.Type) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = t.String()
	}
	sort.Strings(names)
	return names
}
