package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Periodicity determines how often an entry is automatically rechecked.
type Periodicity string

const (
	PeriodicityDaily    Periodicity = "daily"
	PeriodicityWeekly   Periodicity = "weekly"
	PeriodicityMonthly  Periodicity = "monthly"
	PeriodicityInactive Periodicity = "inactive"
)

// Valid reports whether the value is one of the four known periodicities.
func (p Periodicity) Valid() bool {
	switch p {
	case PeriodicityDaily, PeriodicityWeekly, PeriodicityMonthly, PeriodicityInactive:
		return true
	}
	return false
}

// NormalizePeriodicity lowercases the input and falls back to daily when the
// value is absent or unknown.
func NormalizePeriodicity(raw string) Periodicity {
	p := Periodicity(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return PeriodicityDaily
	}
	return p
}

// ReferenceStatusDeleted marks soft-deleted entries inside the reference blob.
const ReferenceStatusDeleted = "deleted"

// EntryReference is the open-ended JSON blob stored alongside an entry. It
// carries the soft-delete marker and the denormalized counterpart fields shown
// in the monitoring table.
type EntryReference struct {
	Status     string     `json:"status,omitempty"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	Name       string     `json:"name,omitempty"`
	Address    string     `json:"address,omitempty"`
	Street     string     `json:"street,omitempty"`
	City       string     `json:"city,omitempty"`
	PostalCode string     `json:"postal_code,omitempty"`
}

// Value serializes the reference for storage in a jsonb column.
func (r EntryReference) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan deserializes a jsonb column into the reference.
func (r *EntryReference) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*r = EntryReference{}
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unsupported reference type %T", src)
	}
}

// MonitoredEntry is one VAT number enrolled for periodic verification.
type MonitoredEntry struct {
	UUID                 string         `db:"uuid" json:"uuid"`
	CountryCode          string         `db:"country_code" json:"country_code"`
	VATNumber            string         `db:"vat_number" json:"vat_number"`
	RequesterCountryCode *string        `db:"requester_country_code" json:"requester_country_code,omitempty"`
	RequesterVATNumber   *string        `db:"requester_vat_number" json:"requester_vat_number,omitempty"`
	Periodicity          Periodicity    `db:"periodicity" json:"periodicity"`
	NumberOfChecks       int            `db:"number_of_checks" json:"number_of_checks"`
	LastCheckAt          *time.Time     `db:"last_check_at" json:"last_check_at,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	Reference            EntryReference `db:"reference" json:"reference"`
}

// Deleted reports whether the entry carries the soft-delete marker.
func (e *MonitoredEntry) Deleted() bool {
	return e.Reference.Status == ReferenceStatusDeleted
}

// EntryDetail joins the latest check result onto the entry. The latest fields
// are derived, never stored on the entry itself.
type EntryDetail struct {
	MonitoredEntry
	LatestValid     *bool      `db:"latest_valid" json:"latest_valid,omitempty"`
	LatestCheckedAt *time.Time `db:"latest_checked_at" json:"latest_checked_at,omitempty"`
	LatestName      *string    `db:"latest_name" json:"latest_name,omitempty"`
}

// Pagination contains pagination metadata returned in list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}
