package models

// StatusFilter selects one of the monitoring-room status buckets.
type StatusFilter string

const (
	StatusAll      StatusFilter = "all"
	StatusPending  StatusFilter = "pending"
	StatusInactive StatusFilter = "inactive"
	StatusActive   StatusFilter = "active"
	StatusDeleted  StatusFilter = "deleted"
)

// Filterable column keys of the monitoring table. ColumnEntityName is a
// pseudo-column: it is resolved through the search index instead of being
// applied as a direct predicate.
const (
	ColumnCountryCode    = "country_code"
	ColumnVATNumber      = "vat_number"
	ColumnPeriodicity    = "periodicity"
	ColumnNumberOfChecks = "number_of_checks"
	ColumnLastCheckAt    = "last_check_at"
	ColumnCreatedAt      = "created_at"
	ColumnEntityName     = "entity_name"
)

// QueryState is the full filter state of a monitoring-room view. It is held
// per session and never persisted.
type QueryState struct {
	Search    string            `json:"search"`
	Filters   map[string]string `json:"filters"`
	Requester string            `json:"requester"`
	Status    StatusFilter      `json:"status" validate:"omitempty,status_filter"`
	Page      int               `json:"page" validate:"min=1"`
	PageSize  int               `json:"page_size" validate:"min=1"`
}

// SameFilters reports whether two states share every filtering field, page
// size included. Page number is deliberately excluded: page-only navigation
// must reuse the cache.
func (q QueryState) SameFilters(other QueryState) bool {
	if q.Search != other.Search || q.Requester != other.Requester ||
		q.Status != other.Status || q.PageSize != other.PageSize {
		return false
	}
	if len(q.Filters) != len(other.Filters) {
		return false
	}
	for key, value := range q.Filters {
		if other.Filters[key] != value {
			return false
		}
	}
	return true
}

// Summary aggregates entry counts per status bucket for the dashboard header.
type Summary struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Pending  int `json:"pending"`
	Inactive int `json:"inactive"`
	Deleted  int `json:"deleted"`
}
