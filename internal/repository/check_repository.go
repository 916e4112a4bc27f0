package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vatwatch/vatwatch-api/internal/models"
	"github.com/vatwatch/vatwatch-api/internal/query"
)

// CheckRepository reads historical verification events. Records are written by
// the verification backend only; this side never mutates them.
type CheckRepository struct {
	db *sqlx.DB
}

// NewCheckRepository constructs a CheckRepository.
func NewCheckRepository(db *sqlx.DB) *CheckRepository {
	return &CheckRepository{db: db}
}

// LatestForEntry returns the most recent check for the entry, or
// sql.ErrNoRows when the entry was never checked.
func (r *CheckRepository) LatestForEntry(ctx context.Context, entryUUID string) (*models.CheckRecord, error) {
	const latestQuery = `SELECT id, entry_uuid, country_code_checked, vat_number_checked,
            requester_country_code, requester_vat_number, consultation_number,
            name, address, valid, created_at, checked_at
        FROM vat_checks WHERE entry_uuid = $1 ORDER BY created_at DESC LIMIT 1`

	var record models.CheckRecord
	if err := r.db.GetContext(ctx, &record, latestQuery, entryUUID); err != nil {
		return nil, err
	}
	return &record, nil
}

// SearchEntryIDs resolves a free-text term against the check collection and
// maps matches back to their owning entry identifiers. Checks without an
// owning entry are discarded.
func (r *CheckRepository) SearchEntryIDs(ctx context.Context, term string) ([]string, error) {
	pattern := "%" + term + "%"

	conditions := []string{
		"name ILIKE ?",
		"address ILIKE ?",
		"vat_number_checked ILIKE ?",
	}
	args := []interface{}{pattern, pattern, pattern}

	if code, ok := query.NormalizeCountryCode(term); ok {
		conditions = append(conditions, "country_code_checked = ?")
		args = append(args, code)
	}

	searchQuery := r.db.Rebind(fmt.Sprintf(
		"SELECT DISTINCT entry_uuid FROM vat_checks WHERE entry_uuid IS NOT NULL AND (%s)",
		strings.Join(conditions, " OR ")))

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, searchQuery, args...); err != nil {
		return nil, fmt.Errorf("search checks: %w", err)
	}
	return ids, nil
}
