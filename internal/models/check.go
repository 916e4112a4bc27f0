package models

import "time"

// CheckRecord is one historical verification event for a monitored entry.
// Records are created exclusively by the verification backend and are
// immutable once written.
type CheckRecord struct {
	ID                   string     `db:"id" json:"id"`
	EntryUUID            *string    `db:"entry_uuid" json:"entry_uuid,omitempty"`
	CountryCodeChecked   string     `db:"country_code_checked" json:"country_code_checked"`
	VATNumberChecked     string     `db:"vat_number_checked" json:"vat_number_checked"`
	RequesterCountryCode *string    `db:"requester_country_code" json:"requester_country_code,omitempty"`
	RequesterVATNumber   *string    `db:"requester_vat_number" json:"requester_vat_number,omitempty"`
	ConsultationNumber   *string    `db:"consultation_number" json:"consultation_number,omitempty"`
	Name                 *string    `db:"name" json:"name,omitempty"`
	Address              *string    `db:"address" json:"address,omitempty"`
	Valid                *bool      `db:"valid" json:"valid,omitempty"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
	CheckedAt            *time.Time `db:"checked_at" json:"checked_at,omitempty"`
}
