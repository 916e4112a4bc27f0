package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCheckMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestCheckRepositoryLatestForEntry(t *testing.T) {
	db, mock, cleanup := newCheckMock(t)
	defer cleanup()
	repo := NewCheckRepository(db)

	rows := sqlmock.NewRows([]string{
		"id", "entry_uuid", "country_code_checked", "vat_number_checked",
		"requester_country_code", "requester_vat_number", "consultation_number",
		"name", "address", "valid", "created_at", "checked_at",
	}).AddRow(
		"check-9", "entry-1", "DE", "123456789",
		"FR", "12345678901", "WAPIAAAAX",
		"ACME GmbH", "Berlin", true, time.Now(), time.Now(),
	)

	mock.ExpectQuery(`(?s)SELECT id, entry_uuid.+FROM vat_checks WHERE entry_uuid = \$1 ORDER BY created_at DESC LIMIT 1`).
		WithArgs("entry-1").
		WillReturnRows(rows)

	record, err := repo.LatestForEntry(context.Background(), "entry-1")
	require.NoError(t, err)
	assert.Equal(t, "check-9", record.ID)
	require.NotNil(t, record.Valid)
	assert.True(t, *record.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckRepositoryLatestForEntryNone(t *testing.T) {
	db, mock, cleanup := newCheckMock(t)
	defer cleanup()
	repo := NewCheckRepository(db)

	mock.ExpectQuery(`FROM vat_checks WHERE entry_uuid = \$1`).
		WithArgs("entry-1").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.LatestForEntry(context.Background(), "entry-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestCheckRepositorySearchEntryIDs(t *testing.T) {
	db, mock, cleanup := newCheckMock(t)
	defer cleanup()
	repo := NewCheckRepository(db)

	mock.ExpectQuery(`SELECT DISTINCT entry_uuid FROM vat_checks WHERE entry_uuid IS NOT NULL AND \(name ILIKE \? OR address ILIKE \? OR vat_number_checked ILIKE \?\)`).
		WithArgs("%ACME%", "%ACME%", "%ACME%").
		WillReturnRows(sqlmock.NewRows([]string{"entry_uuid"}).AddRow("entry-1").AddRow("entry-3"))

	ids, err := repo.SearchEntryIDs(context.Background(), "ACME")
	require.NoError(t, err)
	assert.Equal(t, []string{"entry-1", "entry-3"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckRepositorySearchEntryIDsCountryCodeTerm(t *testing.T) {
	db, mock, cleanup := newCheckMock(t)
	defer cleanup()
	repo := NewCheckRepository(db)

	mock.ExpectQuery(`SELECT DISTINCT entry_uuid FROM vat_checks WHERE entry_uuid IS NOT NULL AND \(.+ OR country_code_checked = \?\)`).
		WithArgs("%fr%", "%fr%", "%fr%", "FR").
		WillReturnRows(sqlmock.NewRows([]string{"entry_uuid"}))

	ids, err := repo.SearchEntryIDs(context.Background(), "fr")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
