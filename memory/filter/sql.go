package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/ob-labs/agent-memory-go/memory"
)

// ParamKind discriminates the typed SQL parameter values a compiled Filter
// binds. No filter value is ever string-interpolated into a query; every
// value flows through one of these typed params and a prepared-statement
// placeholder.
type ParamKind int

const (
	PString ParamKind = iota
	PInt
	PDouble
	PBool
	PTimestamp
	PNull
)

// Param is one bound parameter produced by Compile, in the order it appears
// in the compiled fragment's placeholders.
type Param struct {
	Kind     ParamKind
	Str      string
	Int      int64
	Double   float64
	Bool     bool
	Time     time.Time
	NullType string // set only when Kind == PNull; names the column's logical type
}

func stringParam(s string) Param       { return Param{Kind: PString, Str: s} }
func doubleParam(f float64) Param      { return Param{Kind: PDouble, Double: f} }
func timestampParam(t time.Time) Param { return Param{Kind: PTimestamp, Time: t} }

// Value returns the parameter's underlying Go value, suitable for passing
// straight to database/sql's query/exec args.
func (p Param) Value() any {
	switch p.Kind {
	case PString:
		return p.Str
	case PInt:
		return p.Int
	case PDouble:
		return p.Double
	case PBool:
		return p.Bool
	case PTimestamp:
		return p.Time
	case PNull:
		return nil
	default:
		return nil
	}
}

// Dialect supplies the SQL-backend-specific fragments Compile needs: how to
// express a metadata lookup, which columns back which logical fields, and
// how to render the Nth placeholder (SQLite's positional "?" vs Postgres's
// numbered "$N").
type Dialect struct {
	// MetadataExpr renders an expression selecting metadata[key] as text.
	// key has already been validated against the identifier regex.
	MetadataExpr func(key string) string

	TimeColumn       string
	ImportanceColumn string
	TypeColumn       string
	ContentColumn    string

	// Placeholder renders the nth (1-based) bound parameter's placeholder.
	Placeholder func(n int) string

	// LowerExpr wraps an expression in a case-folding function, used to
	// implement case-insensitive ContentContains.
	LowerExpr func(expr string) string
}

// compileState threads the running placeholder count and accumulated
// params through the recursive compiler.
type compileState struct {
	dialect Dialect
	n       int // number of placeholders emitted so far
	params  []Param
}

func (s *compileState) bind(p Param) string {
	s.n++
	s.params = append(s.params, p)
	return s.dialect.Placeholder(s.n)
}

// Compile translates f into a WHERE-clause fragment (without the leading
// "WHERE") plus its ordered bound parameters, or an error if f contains an
// illegal metadata key or a Custom predicate (which SQL can never express;
// callers must detect HasCustom() before calling Compile and fall back to
// row-by-row evaluation instead).
func Compile(f Filter, dialect Dialect) (string, []Param, error) {
	state := &compileState{dialect: dialect}
	frag, err := compile(f, state)
	if err != nil {
		return "", nil, err
	}
	return frag, state.params, nil
}

func compile(f Filter, s *compileState) (string, error) {
	switch f.kind {
	case KindAll:
		return "1=1", nil
	case KindNone:
		return "1=0", nil
	case KindByType:
		ph := s.bind(stringParam(f.memType.String()))
		return fmt.Sprintf("%s = %s", s.dialect.TypeColumn, ph), nil
	case KindByTypes:
		names := sortedTypeNames(f.types)
		if len(names) == 0 {
			return "1=0", nil
		}
		placeholders := make([]string, len(names))
		for i, name := range names {
			placeholders[i] = s.bind(stringParam(name))
		}
		return fmt.Sprintf("%s IN (%s)", s.dialect.TypeColumn, strings.Join(placeholders, ",")), nil
	case KindByMetadata:
		if !ValidateMetadataKey(f.key) {
			return "", illegalKey(f.key)
		}
		ph := s.bind(stringParam(f.value))
		return fmt.Sprintf("%s = %s", s.dialect.MetadataExpr(f.key), ph), nil
	case KindHasMetadata:
		if !ValidateMetadataKey(f.key) {
			return "", illegalKey(f.key)
		}
		return fmt.Sprintf("%s IS NOT NULL", s.dialect.MetadataExpr(f.key)), nil
	case KindMetadataContains:
		if !ValidateMetadataKey(f.key) {
			return "", illegalKey(f.key)
		}
		ph := s.bind(stringParam("%" + escapeLike(f.value) + "%"))
		return fmt.Sprintf("%s LIKE %s ESCAPE '\\'", s.dialect.MetadataExpr(f.key), ph), nil
	case KindByEntity:
		if !ValidateMetadataKey("entity_id") {
			return "", illegalKey("entity_id")
		}
		ph := s.bind(stringParam(f.value))
		return fmt.Sprintf("%s = %s", s.dialect.MetadataExpr("entity_id"), ph), nil
	case KindByConversation:
		ph := s.bind(stringParam(f.value))
		return fmt.Sprintf("%s = %s", s.dialect.MetadataExpr("conversation_id"), ph), nil
	case KindByTimeRange:
		var clauses []string
		if f.after != nil {
			ph := s.bind(timestampParam(*f.after))
			clauses = append(clauses, fmt.Sprintf("%s >= %s", s.dialect.TimeColumn, ph))
		}
		if f.before != nil {
			ph := s.bind(timestampParam(*f.before))
			clauses = append(clauses, fmt.Sprintf("%s <= %s", s.dialect.TimeColumn, ph))
		}
		if len(clauses) == 0 {
			return "1=1", nil
		}
		return "(" + strings.Join(clauses, " AND ") + ")", nil
	case KindMinImportance:
		ph := s.bind(doubleParam(f.minScore))
		return fmt.Sprintf("(%s IS NOT NULL AND %s >= %s)", s.dialect.ImportanceColumn, s.dialect.ImportanceColumn, ph), nil
	case KindContentContains:
		value := "%" + escapeLike(f.value) + "%"
		if f.caseSensitive {
			ph := s.bind(stringParam(value))
			return fmt.Sprintf("%s LIKE %s ESCAPE '\\'", s.dialect.ContentColumn, ph), nil
		}
		ph := s.bind(stringParam(strings.ToLower(value)))
		return fmt.Sprintf("%s LIKE %s ESCAPE '\\'", s.dialect.LowerExpr(s.dialect.ContentColumn), ph), nil
	case KindAnd:
		l, err := compile(*f.left, s)
		if err != nil {
			return "", err
		}
		r, err := compile(*f.right, s)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s AND %s)", l, r), nil
	case KindOr:
		if types, ok := collectByTypeDisjunction(f); ok {
			names := sortedTypeNames(types)
			clauses := make([]string, len(names))
			for i, name := range names {
				ph := s.bind(stringParam(name))
				clauses[i] = fmt.Sprintf("%s = %s", s.dialect.TypeColumn, ph)
			}
			return "(" + strings.Join(clauses, " OR ") + ")", nil
		}
		l, err := compile(*f.left, s)
		if err != nil {
			return "", err
		}
		r, err := compile(*f.right, s)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s OR %s)", l, r), nil
	case KindNot:
		inner, err := compile(*f.inner, s)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT (%s)", inner), nil
	case KindCustom:
		return "", &CompileError{Reason: "filter contains a Custom predicate, which has no SQL translation", Label: f.customLabel}
	default:
		return "", &CompileError{Reason: "unrecognized filter variant"}
	}
}

// CompileError is returned by Compile when a filter cannot be translated.
type CompileError struct {
	Reason string
	Key    string
	Label  string
}

func (e *CompileError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("filter compile: %s (key=%q)", e.Reason, e.Key)
	}
	return "filter compile: " + e.Reason
}

// collectByTypeDisjunction reports whether f is built entirely from ByType
// leaves joined by Or (at any depth), returning their types if so. SQL
// compilation binds such a disjunction's params in sorted-name order, the
// same order KindByTypes uses, so that semantically equivalent filter trees
// (an explicit Or-of-ByType vs. a single ByTypes) produce the same
// parameter ordering.
func collectByTypeDisjunction(f Filter) ([]memory.Type, bool) {
	switch f.kind {
	case KindByType:
		return []memory.Type{f.memType}, true
	case KindOr:
		left, ok := collectByTypeDisjunction(*f.left)
		if !ok {
			return nil, false
		}
		right, ok := collectByTypeDisjunction(*f.right)
		if !ok {
			return nil, false
		}
		return append(left, right...), true
	default:
		return nil, false
	}
}

func illegalKey(key string) error {
	return &CompileError{Reason: "metadata key fails identifier pattern " + `^[A-Za-z_][A-Za-z0-9_]*$`, Key: key}
}

// escapeLike escapes SQL LIKE metacharacters so arbitrary substrings behave
// as literal text rather than patterns.
func escapeLike(s string) string {
	r := strings.NewReplacer("\\", "\\\\", "%", "\\%", "_", "\\_")
	return r.Replace(s)
}
