package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vatwatch/vatwatch-api/internal/models"
	"github.com/vatwatch/vatwatch-api/internal/query"
)

const entrySelectColumns = `e.uuid, e.country_code, e.vat_number, e.requester_country_code, e.requester_vat_number,
        e.periodicity, e.number_of_checks, e.last_check_at, e.created_at, e.reference,
        c.valid AS latest_valid, c.created_at AS latest_checked_at, c.name AS latest_name`

const latestCheckJoin = `LEFT JOIN LATERAL (
            SELECT valid, created_at, name FROM vat_checks
            WHERE entry_uuid = e.uuid ORDER BY created_at DESC LIMIT 1
        ) c ON TRUE`

// EntryRepository is the Record Store for monitored entries. List queries are
// driven by compiled filter specs and always order by creation time descending.
type EntryRepository struct {
	db *sqlx.DB
}

// NewEntryRepository constructs an EntryRepository.
func NewEntryRepository(db *sqlx.DB) *EntryRepository {
	return &EntryRepository{db: db}
}

func buildWhere(spec query.Spec, allowedIDs []string) (string, []interface{}, error) {
	conditions := []string{"1=1"}
	var args []interface{}
	for _, c := range spec.Conditions {
		conditions = append(conditions, c.Expr)
		args = append(args, c.Args...)
	}
	if len(allowedIDs) > 0 {
		expr, inArgs, err := sqlx.In("e.uuid IN (?)", allowedIDs)
		if err != nil {
			return "", nil, fmt.Errorf("expand identifier set: %w", err)
		}
		conditions = append(conditions, expr)
		args = append(args, inArgs...)
	}
	return strings.Join(conditions, " AND "), args, nil
}

// List returns one page of entries matching the compiled spec plus the total
// matching count. A non-empty allowedIDs restricts results to that identifier
// set; nil means no identifier constraint.
func (r *EntryRepository) List(ctx context.Context, spec query.Spec, allowedIDs []string, page, size int) ([]models.EntryDetail, int, error) {
	where, args, err := buildWhere(spec, allowedIDs)
	if err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 15
	}
	offset := (page - 1) * size

	selectQuery := r.db.Rebind(fmt.Sprintf(`SELECT %s
        FROM monitored_entries e
        %s
        WHERE %s ORDER BY e.created_at DESC LIMIT %d OFFSET %d`,
		entrySelectColumns, latestCheckJoin, where, size, offset))

	var entries []models.EntryDetail
	if err := r.db.SelectContext(ctx, &entries, selectQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}

	countQuery := r.db.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM monitored_entries e WHERE %s", where))
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count entries: %w", err)
	}
	return entries, total, nil
}

// ListForExport returns every entry matching the spec up to limit rows, in the
// same order as the paginated view.
func (r *EntryRepository) ListForExport(ctx context.Context, spec query.Spec, allowedIDs []string, limit int) ([]models.EntryDetail, error) {
	where, args, err := buildWhere(spec, allowedIDs)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10000
	}

	exportQuery := r.db.Rebind(fmt.Sprintf(`SELECT %s
        FROM monitored_entries e
        %s
        WHERE %s ORDER BY e.created_at DESC LIMIT %d`,
		entrySelectColumns, latestCheckJoin, where, limit))

	var entries []models.EntryDetail
	if err := r.db.SelectContext(ctx, &entries, exportQuery, args...); err != nil {
		return nil, fmt.Errorf("export entries: %w", err)
	}
	return entries, nil
}

// FindByID fetches one entry with its latest-check enrichment.
func (r *EntryRepository) FindByID(ctx context.Context, uuid string) (*models.EntryDetail, error) {
	findQuery := fmt.Sprintf(`SELECT %s
        FROM monitored_entries e
        %s
        WHERE e.uuid = $1`, entrySelectColumns, latestCheckJoin)

	var detail models.EntryDetail
	if err := r.db.GetContext(ctx, &detail, findQuery, uuid); err != nil {
		return nil, err
	}
	return &detail, nil
}

// UpdatePeriodicity persists a new periodicity and returns the value the store
// actually kept, which is authoritative over the requested one.
func (r *EntryRepository) UpdatePeriodicity(ctx context.Context, uuid string, p models.Periodicity) (models.Periodicity, error) {
	const updateQuery = `UPDATE monitored_entries SET periodicity = $2 WHERE uuid = $1 RETURNING periodicity`

	var confirmed models.Periodicity
	if err := r.db.GetContext(ctx, &confirmed, updateQuery, uuid, string(p)); err != nil {
		return "", fmt.Errorf("update periodicity: %w", err)
	}
	return confirmed, nil
}

// SoftDelete marks the entry as deleted inside the reference blob and forces
// periodicity to inactive. The row itself is never removed.
func (r *EntryRepository) SoftDelete(ctx context.Context, uuid string, deletedAt time.Time) error {
	const deleteQuery = `UPDATE monitored_entries
        SET periodicity = 'inactive',
            reference = COALESCE(reference, '{}'::jsonb) || jsonb_build_object('status', 'deleted', 'deleted_at', $2::text)
        WHERE uuid = $1 AND COALESCE(reference->>'status', '') <> 'deleted'`

	result, err := r.db.ExecContext(ctx, deleteQuery, uuid, deletedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("soft delete entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete entry: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SearchIDs resolves a free-text term against the entry collection: VAT number
// substring in raw and whitespace-compacted form, exact country code for
// two-letter terms, and substring across the denormalized reference fields.
func (r *EntryRepository) SearchIDs(ctx context.Context, term string) ([]string, error) {
	pattern := "%" + term + "%"
	compact := "%" + strings.ReplaceAll(term, " ", "") + "%"

	conditions := []string{
		"vat_number ILIKE ?",
		"REPLACE(vat_number, ' ', '') ILIKE ?",
		"reference->>'name' ILIKE ?",
		"reference->>'address' ILIKE ?",
		"reference->>'street' ILIKE ?",
		"reference->>'city' ILIKE ?",
		"reference->>'postal_code' ILIKE ?",
	}
	args := []interface{}{pattern, compact, pattern, pattern, pattern, pattern, pattern}

	if code, ok := query.NormalizeCountryCode(term); ok {
		conditions = append(conditions, "country_code = ?")
		args = append(args, code)
	}

	searchQuery := r.db.Rebind("SELECT uuid FROM monitored_entries WHERE " + strings.Join(conditions, " OR "))

	var ids []string
	if err := r.db.SelectContext(ctx, &ids, searchQuery, args...); err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	return ids, nil
}

// CountByStatus aggregates entry counts per monitoring status bucket.
func (r *EntryRepository) CountByStatus(ctx context.Context) (*models.Summary, error) {
	const summaryQuery = `SELECT
            COUNT(*) AS total,
            COUNT(*) FILTER (WHERE reference->>'status' = 'deleted') AS deleted,
            COUNT(*) FILTER (WHERE periodicity = 'inactive' AND COALESCE(reference->>'status', '') <> 'deleted') AS inactive,
            COUNT(*) FILTER (WHERE periodicity <> 'inactive' AND COALESCE(reference->>'status', '') <> 'deleted' AND COALESCE(number_of_checks, 0) = 0) AS pending,
            COUNT(*) FILTER (WHERE periodicity <> 'inactive' AND COALESCE(reference->>'status', '') <> 'deleted' AND number_of_checks > 0) AS active
        FROM monitored_entries`

	var row struct {
		Total    int `db:"total"`
		Deleted  int `db:"deleted"`
		Inactive int `db:"inactive"`
		Pending  int `db:"pending"`
		Active   int `db:"active"`
	}
	if err := r.db.GetContext(ctx, &row, summaryQuery); err != nil {
		return nil, fmt.Errorf("count entries by status: %w", err)
	}
	return &models.Summary{
		Total:    row.Total,
		Active:   row.Active,
		Pending:  row.Pending,
		Inactive: row.Inactive,
		Deleted:  row.Deleted,
	}, nil
}
