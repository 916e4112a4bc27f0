package query

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vatwatch/vatwatch-api/internal/models"
)

func exprs(spec Spec) []string {
	out := make([]string, 0, len(spec.Conditions))
	for _, c := range spec.Conditions {
		out = append(out, c.Expr)
	}
	return out
}

func TestCompileEmptyState(t *testing.T) {
	spec := Compile(models.QueryState{Status: models.StatusAll})
	assert.Empty(t, spec.Conditions)
	assert.Empty(t, spec.EntityName)
	assert.False(t, spec.MatchesNone)
}

func TestCompileCountryCode(t *testing.T) {
	spec := Compile(models.QueryState{Filters: map[string]string{models.ColumnCountryCode: " fr "}})
	require.Len(t, spec.Conditions, 1)
	assert.Equal(t, "e.country_code = ?", spec.Conditions[0].Expr)
	assert.Equal(t, []interface{}{"FR"}, spec.Conditions[0].Args)
}

func TestCompileCountryCodeDropped(t *testing.T) {
	for _, value := range []string{"FRA", "F", "1A", "f-"} {
		spec := Compile(models.QueryState{Filters: map[string]string{models.ColumnCountryCode: value}})
		assert.Empty(t, spec.Conditions, "value %q should be dropped", value)
	}
}

func TestCompileVATNumberSubstring(t *testing.T) {
	spec := Compile(models.QueryState{Filters: map[string]string{models.ColumnVATNumber: "123"}})
	require.Len(t, spec.Conditions, 1)
	assert.Equal(t, "e.vat_number ILIKE ?", spec.Conditions[0].Expr)
	assert.Equal(t, []interface{}{"%123%"}, spec.Conditions[0].Args)
}

func TestCompilePeriodicity(t *testing.T) {
	spec := Compile(models.QueryState{Filters: map[string]string{models.ColumnPeriodicity: "Weekly"}})
	require.Len(t, spec.Conditions, 1)
	assert.Equal(t, []interface{}{"weekly"}, spec.Conditions[0].Args)

	spec = Compile(models.QueryState{Filters: map[string]string{models.ColumnPeriodicity: "sometimes"}})
	assert.Empty(t, spec.Conditions)
}

func TestCompileNumberOfChecks(t *testing.T) {
	spec := Compile(models.QueryState{Filters: map[string]string{models.ColumnNumberOfChecks: "42"}})
	require.Len(t, spec.Conditions, 1)
	assert.Equal(t, []interface{}{42}, spec.Conditions[0].Args)

	spec = Compile(models.QueryState{Filters: map[string]string{models.ColumnNumberOfChecks: "many"}})
	assert.Empty(t, spec.Conditions)
}

func TestCompileLastCheckExactDay(t *testing.T) {
	spec := Compile(models.QueryState{Filters: map[string]string{models.ColumnLastCheckAt: "2024-03-01"}})
	require.Len(t, spec.Conditions, 1)
	assert.Equal(t, "e.last_check_at::date = ?", spec.Conditions[0].Expr)
	assert.Equal(t, []interface{}{"2024-03-01"}, spec.Conditions[0].Args)
}

func TestCompileCreatedAtHalfOpenRange(t *testing.T) {
	spec := Compile(models.QueryState{Filters: map[string]string{models.ColumnCreatedAt: "2024-03-01"}})
	require.Len(t, spec.Conditions, 1)
	require.Len(t, spec.Conditions[0].Args, 2)
	from, ok := spec.Conditions[0].Args[0].(time.Time)
	require.True(t, ok)
	to, ok := spec.Conditions[0].Args[1].(time.Time)
	require.True(t, ok)
	assert.Equal(t, 24*time.Hour, to.Sub(from))
}

func TestCompileInvalidDateDropped(t *testing.T) {
	spec := Compile(models.QueryState{Filters: map[string]string{
		models.ColumnCreatedAt:  "01/03/2024",
		models.ColumnLastCheckAt: "yesterday",
	}})
	assert.Empty(t, spec.Conditions)
}

func TestCompileEntityNameRoutedToResolver(t *testing.T) {
	spec := Compile(models.QueryState{Filters: map[string]string{models.ColumnEntityName: "ACME"}})
	assert.Empty(t, spec.Conditions)
	assert.Equal(t, "ACME", spec.EntityName)
}

func TestCompileRequesterSelector(t *testing.T) {
	spec := Compile(models.QueryState{Requester: "fr 12 345 678 901"})
	require.Len(t, spec.Conditions, 2)
	assert.Equal(t, []interface{}{"FR"}, spec.Conditions[0].Args)
	assert.Equal(t, []interface{}{"12345678901"}, spec.Conditions[1].Args)
	assert.False(t, spec.MatchesNone)
}

func TestCompileRequesterAllIgnored(t *testing.T) {
	spec := Compile(models.QueryState{Requester: "all"})
	assert.Empty(t, spec.Conditions)
	assert.False(t, spec.MatchesNone)
}

func TestCompileRequesterFailClosed(t *testing.T) {
	for _, value := range []string{"F", "FR1", "FRANCE-ONLY-TEXT-WAY-TOO-LONG-VALUE", "12"} {
		spec := Compile(models.QueryState{Requester: value})
		assert.True(t, spec.MatchesNone, "requester %q must fail closed", value)
	}
}

func TestCompileStatusBuckets(t *testing.T) {
	deleted := Compile(models.QueryState{Status: models.StatusDeleted})
	require.Len(t, deleted.Conditions, 1)
	assert.Contains(t, deleted.Conditions[0].Expr, "'deleted'")

	inactive := Compile(models.QueryState{Status: models.StatusInactive})
	assert.Equal(t, []string{
		"e.periodicity = ?",
		notDeletedExpr,
	}, exprs(inactive))

	pending := Compile(models.QueryState{Status: models.StatusPending})
	assert.Equal(t, []string{
		"e.periodicity <> ?",
		notDeletedExpr,
		"COALESCE(e.number_of_checks, 0) = 0",
	}, exprs(pending))

	active := Compile(models.QueryState{Status: models.StatusActive})
	assert.Equal(t, []string{
		"e.periodicity <> ?",
		notDeletedExpr,
		"e.number_of_checks > 0",
	}, exprs(active))

	all := Compile(models.QueryState{Status: models.StatusAll})
	assert.Empty(t, all.Conditions)
}

func TestCompileDeterministicOrder(t *testing.T) {
	state := models.QueryState{
		Filters: map[string]string{
			models.ColumnCreatedAt:   "2024-03-01",
			models.ColumnCountryCode: "DE",
			models.ColumnVATNumber:   "123",
		},
		Status: models.StatusActive,
	}
	first := exprs(Compile(state))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, exprs(Compile(state)))
	}
}
