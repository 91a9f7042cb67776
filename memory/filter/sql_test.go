package filter_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/filter"
)

func numberedDialect(prefix string) filter.Dialect {
	return filter.Dialect{
		MetadataExpr:     func(key string) string { return "metadata->>'" + key + "'" },
		TimeColumn:       "created_at",
		ImportanceColumn: "importance",
		TypeColumn:       "memory_type",
		ContentColumn:    "content",
		Placeholder:      func(n int) string { return prefix + itoa(n) },
		LowerExpr:        func(expr string) string { return "lower(" + expr + ")" },
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}

func TestCompileAllAndNoneAreTautologies(t *testing.T) {
	d := numberedDialect("$")

	frag, params, err := filter.Compile(filter.All(), d)
	require.NoError(t, err)
	assert.Equal(t, "1=1", frag)
	assert.Empty(t, params)

	frag, params, err = filter.Compile(filter.None(), d)
	require.NoError(t, err)
	assert.Equal(t, "1=0", frag)
	assert.Empty(t, params)
}

func TestCompilePostgresStylePlaceholdersIncrementAcrossAnd(t *testing.T) {
	d := numberedDialect("$")
	f := filter.And(filter.ByMetadata("topic", "x"), filter.MinImportance(0.2))

	frag, params, err := filter.Compile(f, d)
	require.NoError(t, err)
	assert.Contains(t, frag, "$1")
	assert.Contains(t, frag, "$2")
	require.Len(t, params, 2)
	assert.Equal(t, "x", params[0].Str)
	assert.Equal(t, 0.2, params[1].Double)
}

func TestCompileByTimeRangeBothBounds(t *testing.T) {
	d := numberedDialect("$")
	after := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	frag, params, err := filter.Compile(filter.ByTimeRange(&after, &before), d)
	require.NoError(t, err)
	assert.Contains(t, frag, "created_at >=")
	assert.Contains(t, frag, "created_at <=")
	require.Len(t, params, 2)
	assert.Equal(t, after, params[0].Time)
	assert.Equal(t, before, params[1].Time)
}

func TestCompileByTimeRangeNoBoundsIsTautology(t *testing.T) {
	frag, params, err := filter.Compile(filter.ByTimeRange(nil, nil), numberedDialect("$"))
	require.NoError(t, err)
	assert.Equal(t, "1=1", frag)
	assert.Empty(t, params)
}

func TestCompileContentContainsEscapesLikeMetacharacters(t *testing.T) {
	frag, params, err := filter.Compile(filter.ContentContains("50%_off", true), numberedDialect("$"))
	require.NoError(t, err)
	assert.Contains(t, frag, "LIKE")
	require.Len(t, params, 1)
	assert.Equal(t, "%50\\%\\_off%", params[0].Str)
}

func TestCompileContentContainsCaseInsensitiveLowersBothSides(t *testing.T) {
	frag, params, err := filter.Compile(filter.ContentContains("Hello", false), numberedDialect("$"))
	require.NoError(t, err)
	assert.Contains(t, frag, "lower(content)")
	require.Len(t, params, 1)
	assert.Equal(t, "%hello%", params[0].Str)
}

func TestCompileNotWrapsInnerFragment(t *testing.T) {
	frag, _, err := filter.Compile(filter.Not(filter.ByConversation("c1")), numberedDialect("$"))
	require.NoError(t, err)
	assert.Contains(t, frag, "NOT (")
}

func TestCompileOrErrorPropagatesFromEitherSide(t *testing.T) {
	custom := filter.Custom("x", nil)
	f := filter.Or(filter.All(), custom)
	_, _, err := filter.Compile(f, numberedDialect("$"))
	require.Error(t, err)
}

func TestCompileIllegalMetadataKeyReportsKeyOnError(t *testing.T) {
	_, _, err := filter.Compile(filter.HasMetadata("has space"), numberedDialect("$"))
	require.Error(t, err)
	var compileErr *filter.CompileError
	require.ErrorAs(t, err, &compileErr)
	assert.Equal(t, "has space", compileErr.Key)
}

func TestCompileByEntityAndByConversationUseMetadataExpr(t *testing.T) {
	d := numberedDialect("$")

	frag, params, err := filter.Compile(filter.ByEntity("alice"), d)
	require.NoError(t, err)
	assert.Contains(t, frag, "metadata->>'entity_id'")
	require.Len(t, params, 1)
	assert.Equal(t, "alice", params[0].Str)

	frag, params, err = filter.Compile(filter.ByConversation("conv-1"), d)
	require.NoError(t, err)
	assert.Contains(t, frag, "metadata->>'conversation_id'")
	require.Len(t, params, 1)
	assert.Equal(t, "conv-1", params[0].Str)
}

func TestCompileOrOfByTypeBindsParamsInSortedNameOrder(t *testing.T) {
	d := numberedDialect("$")
	f := filter.And(
		filter.Or(filter.ByType(memory.TypeTask), filter.ByType(memory.TypeConversation)),
		filter.Not(filter.MinImportance(0.9)),
	)

	frag, params, err := filter.Compile(f, d)
	require.NoError(t, err)
	assert.Contains(t, frag, "memory_type = $1 OR memory_type = $2")

	require.Len(t, params, 3)
	assert.Equal(t, "conversation", params[0].Str)
	assert.Equal(t, "task", params[1].Str)
	assert.Equal(t, 0.9, params[2].Double)
}

func TestCompileOrOfByTypeThreeWayNestingStillSorts(t *testing.T) {
	d := numberedDialect("$")
	f := filter.Or(
		filter.ByType(memory.TypeTask),
		filter.Or(filter.ByType(memory.TypeConversation), filter.ByType(memory.TypeEntity)),
	)

	_, params, err := filter.Compile(f, d)
	require.NoError(t, err)
	require.Len(t, params, 3)
	assert.Equal(t, []string{"conversation", "entity", "task"}, []string{params[0].Str, params[1].Str, params[2].Str})
}

func TestParamValueReturnsUnderlyingGoValue(t *testing.T) {
	_, params, err := filter.Compile(filter.MinImportance(0.75), numberedDialect("$"))
	require.NoError(t, err)
	require.Len(t, params, 1)
	assert.Equal(t, 0.75, params[0].Value())
}
