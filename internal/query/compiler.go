package query

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/vatwatch/vatwatch-api/internal/models"
)

// Condition is one SQL predicate with bindvar placeholders. Fragments use the
// `?` form and are rebound by sqlx for the target driver.
type Condition struct {
	Expr string
	Args []interface{}
}

// Spec is the compiled Record Store query for one filter state.
type Spec struct {
	Conditions []Condition
	// EntityName carries the entity-name pseudo-column term. It is routed to
	// the search resolver rather than applied as a predicate.
	EntityName string
	// MatchesNone is set when the requester selector fails validation. The
	// query must then yield an empty result set rather than an unfiltered one.
	MatchesNone bool
}

func (s *Spec) add(expr string, args ...interface{}) {
	s.Conditions = append(s.Conditions, Condition{Expr: expr, Args: args})
}

const isoDate = "2006-01-02"

var requesterPattern = regexp.MustCompile(`^([A-Z]{2})([A-Z0-9]{2,14})$`)

// compiledColumns fixes the order in which filters are translated so the
// generated SQL is deterministic.
var compiledColumns = []string{
	models.ColumnCountryCode,
	models.ColumnVATNumber,
	models.ColumnPeriodicity,
	models.ColumnNumberOfChecks,
	models.ColumnLastCheckAt,
	models.ColumnCreatedAt,
	models.ColumnEntityName,
}

// Compile translates a filter state into the predicate set executed against
// the entry store. Values that fail to parse for their column type are
// silently dropped, never surfaced as errors.
func Compile(state models.QueryState) Spec {
	var spec Spec

	for _, column := range compiledColumns {
		value := strings.TrimSpace(state.Filters[column])
		if value == "" {
			continue
		}
		switch column {
		case models.ColumnEntityName:
			spec.EntityName = value
		case models.ColumnCountryCode:
			if code, ok := NormalizeCountryCode(value); ok {
				spec.add("e.country_code = ?", code)
			}
		case models.ColumnVATNumber:
			spec.add("e.vat_number ILIKE ?", "%"+value+"%")
		case models.ColumnPeriodicity:
			if p := models.Periodicity(strings.ToLower(value)); p.Valid() {
				spec.add("e.periodicity = ?", string(p))
			}
		case models.ColumnNumberOfChecks:
			if n, err := strconv.Atoi(value); err == nil {
				spec.add("e.number_of_checks = ?", n)
			}
		case models.ColumnLastCheckAt:
			if day, err := time.Parse(isoDate, value); err == nil {
				spec.add("e.last_check_at::date = ?", day.Format(isoDate))
			}
		case models.ColumnCreatedAt:
			if day, err := time.Parse(isoDate, value); err == nil {
				spec.add("e.created_at >= ? AND e.created_at < ?", day, day.AddDate(0, 0, 1))
			}
		}
	}

	compileRequester(&spec, state.Requester)
	compileStatus(&spec, state.Status)

	return spec
}

// compileRequester splits the selector into country prefix and number. An
// unparseable selector fails closed: the whole query must match nothing.
func compileRequester(spec *Spec, raw string) {
	value := strings.TrimSpace(raw)
	if value == "" || strings.EqualFold(value, string(models.StatusAll)) {
		return
	}

	normalized := normalizeAlnumUpper(value)
	match := requesterPattern.FindStringSubmatch(normalized)
	if match == nil {
		spec.MatchesNone = true
		return
	}
	spec.add("e.requester_country_code = ?", match[1])
	spec.add("e.requester_vat_number = ?", match[2])
}

const notDeletedExpr = "COALESCE(e.reference->>'status', '') <> 'deleted'"

func compileStatus(spec *Spec, status models.StatusFilter) {
	switch status {
	case models.StatusDeleted:
		spec.add("e.reference->>'status' = 'deleted'")
	case models.StatusInactive:
		spec.add("e.periodicity = ?", string(models.PeriodicityInactive))
		spec.add(notDeletedExpr)
	case models.StatusPending:
		spec.add("e.periodicity <> ?", string(models.PeriodicityInactive))
		spec.add(notDeletedExpr)
		spec.add("COALESCE(e.number_of_checks, 0) = 0")
	case models.StatusActive:
		spec.add("e.periodicity <> ?", string(models.PeriodicityInactive))
		spec.add(notDeletedExpr)
		spec.add("e.number_of_checks > 0")
	}
}

// NormalizeCountryCode trims and uppercases the input, accepting only exactly
// two alphabetic characters.
func NormalizeCountryCode(raw string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) != 2 {
		return "", false
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", false
		}
	}
	return code, true
}

func normalizeAlnumUpper(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
