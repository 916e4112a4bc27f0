package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vatwatch/vatwatch-api/internal/models"
	"github.com/vatwatch/vatwatch-api/internal/query"
	appErrors "github.com/vatwatch/vatwatch-api/pkg/errors"
)

type fakeEntryStore struct {
	mu         sync.Mutex
	rowsByPage map[int][]models.EntryDetail
	total      int
	listCalls  int
	allowedIDs [][]string
	lastSpec   query.Spec
	listErr    error

	detail  *models.EntryDetail
	findErr error

	confirmed models.Periodicity
	updateErr error
	deleteErr error

	exportRows []models.EntryDetail
}

func (f *fakeEntryStore) List(_ context.Context, spec query.Spec, allowedIDs []string, page, _ int) ([]models.EntryDetail, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	f.allowedIDs = append(f.allowedIDs, allowedIDs)
	f.lastSpec = spec
	if f.listErr != nil {
		return nil, 0, f.listErr
	}
	return f.rowsByPage[page], f.total, nil
}

func (f *fakeEntryStore) ListForExport(_ context.Context, _ query.Spec, _ []string, _ int) ([]models.EntryDetail, error) {
	return f.exportRows, nil
}

func (f *fakeEntryStore) FindByID(_ context.Context, _ string) (*models.EntryDetail, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	copied := *f.detail
	return &copied, nil
}

func (f *fakeEntryStore) UpdatePeriodicity(_ context.Context, _ string, p models.Periodicity) (models.Periodicity, error) {
	if f.updateErr != nil {
		return "", f.updateErr
	}
	if f.confirmed != "" {
		return f.confirmed, nil
	}
	return p, nil
}

func (f *fakeEntryStore) SoftDelete(_ context.Context, _ string, _ time.Time) error {
	return f.deleteErr
}

func (f *fakeEntryStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

type fakeCheckStore struct {
	record *models.CheckRecord
	err    error
}

func (f *fakeCheckStore) LatestForEntry(_ context.Context, _ string) (*models.CheckRecord, error) {
	return f.record, f.err
}

type fakeResolver struct {
	result []string
	calls  int
}

func (f *fakeResolver) Resolve(_ context.Context, _, _ string) []string {
	f.calls++
	return f.result
}

type fakeTrigger struct {
	err   error
	calls int
}

func (f *fakeTrigger) Trigger(_ context.Context, _ *models.MonitoredEntry) error {
	f.calls++
	return f.err
}

type fakeSummaries struct {
	invalidations int
}

func (f *fakeSummaries) InvalidateSummary(_ context.Context) {
	f.invalidations++
}

func detailRow(uuid string, p models.Periodicity) models.EntryDetail {
	return models.EntryDetail{MonitoredEntry: models.MonitoredEntry{
		UUID:        uuid,
		CountryCode: "FR",
		VATNumber:   "40303265045",
		Periodicity: p,
		CreatedAt:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}}
}

type monitorFixture struct {
	service   *MonitorService
	store     *fakeEntryStore
	checks    *fakeCheckStore
	resolver  *fakeResolver
	trigger   *fakeTrigger
	summaries *fakeSummaries
}

func newMonitorFixture(opts MonitorServiceOptions) *monitorFixture {
	if opts.DefaultPageSize == 0 {
		opts.DefaultPageSize = 2
	}
	if opts.Debounce == 0 {
		// Keep the background warm-up out of the way unless a test wants it.
		opts.Debounce = time.Hour
	}
	f := &monitorFixture{
		store:     &fakeEntryStore{rowsByPage: map[int][]models.EntryDetail{}},
		checks:    &fakeCheckStore{},
		resolver:  &fakeResolver{},
		trigger:   &fakeTrigger{},
		summaries: &fakeSummaries{},
	}
	f.service = NewMonitorService(f.store, f.checks, f.resolver, f.trigger, f.summaries, opts, nil, zap.NewNop())
	return f
}

func TestOpenViewNormalizesState(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{MaxPageSize: 10})

	view := f.service.OpenView(models.QueryState{Page: 0, PageSize: 0})
	state := view.State()

	assert.Equal(t, 1, state.Page)
	assert.Equal(t, 2, state.PageSize)
	assert.Equal(t, models.StatusAll, state.Status)

	view = f.service.OpenView(models.QueryState{PageSize: 500})
	assert.Equal(t, 10, view.State().PageSize)
}

func TestApplyQueryPageOnlyNavigationKeepsCache(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	view := f.service.OpenView(models.QueryState{Status: models.StatusAll, PageSize: 2})

	epoch := view.Cache().Epoch()
	view.Cache().SetIfCurrent(epoch, 1, []models.EntryDetail{detailRow("e1", models.PeriodicityDaily)})

	_, err := f.service.ApplyQuery(view.ID, models.QueryState{Status: models.StatusAll, PageSize: 2, Page: 3})
	require.NoError(t, err)

	assert.Equal(t, epoch, view.Cache().Epoch())
	assert.True(t, view.Cache().Has(1))
	assert.Equal(t, 3, view.State().Page)
}

func TestApplyQueryFilterChangeResetsView(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	view := f.service.OpenView(models.QueryState{Status: models.StatusAll, PageSize: 2, Page: 4})

	epoch := view.Cache().Epoch()
	view.Cache().SetIfCurrent(epoch, 4, []models.EntryDetail{detailRow("e1", models.PeriodicityDaily)})

	_, err := f.service.ApplyQuery(view.ID, models.QueryState{
		Status:   models.StatusActive,
		PageSize: 2,
		Page:     4,
	})
	require.NoError(t, err)

	state := view.State()
	assert.Equal(t, 1, state.Page, "filter change must land on page one")
	assert.Equal(t, models.StatusActive, state.Status)
	assert.Greater(t, view.Cache().Epoch(), epoch)
	assert.Empty(t, view.Cache().Pages())
}

func TestApplyQueryDebouncesWarmUp(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{Debounce: 20 * time.Millisecond})
	f.store.rowsByPage[1] = []models.EntryDetail{detailRow("e1", models.PeriodicityDaily)}
	f.store.total = 1

	view := f.service.OpenView(models.QueryState{PageSize: 2})

	// Three rapid filter edits, as an operator typing would produce.
	for _, term := range []string{"a", "ac", "acm"} {
		_, err := f.service.ApplyQuery(view.ID, models.QueryState{
			Filters:  map[string]string{models.ColumnVATNumber: term},
			PageSize: 2,
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return f.store.calls() == 1
	}, time.Second, 5*time.Millisecond, "only the last edit in the window may fire")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.store.calls(), "earlier edits must stay cancelled")
	assert.True(t, view.Cache().Has(1), "the warm-up must land page one in the cache")
}

func TestApplyQueryRejectsUnknownStatus(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	view := f.service.OpenView(models.QueryState{PageSize: 2})

	_, err := f.service.ApplyQuery(view.ID, models.QueryState{Status: "archived", PageSize: 2})
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestApplyQueryExpiredSession(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})

	_, err := f.service.ApplyQuery("no-such-view", models.QueryState{})
	assert.ErrorIs(t, err, appErrors.ErrSessionExpired)
}

func TestLoadPageMissThenHit(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	f.store.rowsByPage[1] = []models.EntryDetail{detailRow("e1", models.PeriodicityDaily), detailRow("e2", models.PeriodicityWeekly)}
	f.store.total = 2

	view := f.service.OpenView(models.QueryState{PageSize: 2})

	result, err := f.service.LoadPage(context.Background(), view.ID, 1)
	require.NoError(t, err)
	assert.Len(t, result.Entries, 2)
	assert.Equal(t, 2, result.Pagination.TotalCount)
	assert.Equal(t, 1, result.Pagination.TotalPages)
	assert.Equal(t, 1, f.store.calls())

	result, err = f.service.LoadPage(context.Background(), view.ID, 1)
	require.NoError(t, err)
	assert.Len(t, result.Entries, 2)
	assert.Equal(t, 1, f.store.calls(), "second load must be served from cache")
}

func TestLoadPageBeyondLastPageIsEmptyArray(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	f.store.total = 0 // store returns no rows for page 7

	view := f.service.OpenView(models.QueryState{PageSize: 2})

	result, err := f.service.LoadPage(context.Background(), view.ID, 7)
	require.NoError(t, err)
	require.NotNil(t, result.Entries, "must serialize as [] rather than null")
	assert.Empty(t, result.Entries)
}

func TestLoadPagePrefetchesNeighborsWithinBounds(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{PrefetchRadius: 2})
	for p := 1; p <= 10; p++ {
		f.store.rowsByPage[p] = []models.EntryDetail{detailRow("e", models.PeriodicityDaily)}
	}
	f.store.total = 20 // ten pages of two

	view := f.service.OpenView(models.QueryState{PageSize: 2})

	_, err := f.service.LoadPage(context.Background(), view.ID, 1)
	require.NoError(t, err)

	// Page one has no lower neighbors; only pages two and three qualify.
	require.Eventually(t, func() bool {
		return view.Cache().Has(2) && view.Cache().Has(3)
	}, time.Second, 5*time.Millisecond)
	assert.False(t, view.Cache().Has(4))
}

func TestLoadPageRequesterFailsClosed(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	view := f.service.OpenView(models.QueryState{PageSize: 2, Requester: "12345"})

	result, err := f.service.LoadPage(context.Background(), view.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
	assert.Equal(t, 0, result.Pagination.TotalCount)
	assert.Equal(t, 0, f.store.calls(), "unparseable requester must not reach the store")
}

func TestLoadPageShortCircuitsOnEmptyIdentifierSet(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	f.resolver.result = []string{}

	view := f.service.OpenView(models.QueryState{PageSize: 2, Search: "no such company"})

	result, err := f.service.LoadPage(context.Background(), view.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
	assert.Equal(t, 0, f.store.calls())
}

func TestLoadPagePassesIdentifierSetToStore(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	f.resolver.result = []string{"e1", "e9"}
	f.store.rowsByPage[1] = []models.EntryDetail{detailRow("e1", models.PeriodicityDaily)}
	f.store.total = 1

	view := f.service.OpenView(models.QueryState{PageSize: 2, Search: "acme"})

	_, err := f.service.LoadPage(context.Background(), view.ID, 1)
	require.NoError(t, err)
	require.Len(t, f.store.allowedIDs, 1)
	assert.Equal(t, []string{"e1", "e9"}, f.store.allowedIDs[0])
}

// Forty entries, thirty-two of them French and actively monitored: selecting
// the FR country filter with the active bucket must narrow the view to three
// pages of fifteen and land on page one.
func TestCountryAndStatusFilterEndToEnd(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{DefaultPageSize: 15})
	f.store.rowsByPage[1] = make([]models.EntryDetail, 15)
	f.store.total = 32

	view := f.service.OpenView(models.QueryState{})
	require.Equal(t, 15, view.State().PageSize)

	_, err := f.service.ApplyQuery(view.ID, models.QueryState{
		Filters:  map[string]string{models.ColumnCountryCode: "fr"},
		Status:   models.StatusActive,
		PageSize: 15,
		Page:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, view.State().Page, "filter change overrides the requested page")

	result, err := f.service.LoadPage(context.Background(), view.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 32, result.Pagination.TotalCount)
	assert.Equal(t, 3, result.Pagination.TotalPages)

	exprs := make([]string, 0, len(f.store.lastSpec.Conditions))
	args := make([]interface{}, 0)
	for _, cond := range f.store.lastSpec.Conditions {
		exprs = append(exprs, cond.Expr)
		args = append(args, cond.Args...)
	}
	assert.Contains(t, exprs, "e.country_code = ?")
	assert.Contains(t, exprs, "e.number_of_checks > 0")
	assert.Contains(t, args, "FR")
}

func TestUpdatePeriodicityAppliesConfirmedValue(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	f.store.confirmed = models.PeriodicityMonthly

	view := f.service.OpenView(models.QueryState{PageSize: 2})
	view.Cache().SetIfCurrent(view.Cache().Epoch(), 1, []models.EntryDetail{detailRow("e1", models.PeriodicityDaily)})

	confirmed, err := f.service.UpdatePeriodicity(context.Background(), view.ID, "e1", models.PeriodicityWeekly)
	require.NoError(t, err)
	assert.Equal(t, models.PeriodicityMonthly, confirmed)

	rows, _ := view.Cache().Get(1)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PeriodicityMonthly, rows[0].Periodicity, "store-confirmed value wins over the requested one")
}

func TestUpdatePeriodicityInvalidatesSummary(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})

	view := f.service.OpenView(models.QueryState{PageSize: 2})
	view.Cache().SetIfCurrent(view.Cache().Epoch(), 1, []models.EntryDetail{detailRow("e1", models.PeriodicityDaily)})

	_, err := f.service.UpdatePeriodicity(context.Background(), view.ID, "e1", models.PeriodicityInactive)
	require.NoError(t, err)
	assert.Equal(t, 1, f.summaries.invalidations, "changing the cadence moves the entry between buckets")
}

func TestUpdatePeriodicityRollsBackOnStoreError(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	f.store.updateErr = errors.New("connection reset")

	view := f.service.OpenView(models.QueryState{PageSize: 2})
	view.Cache().SetIfCurrent(view.Cache().Epoch(), 1, []models.EntryDetail{detailRow("e1", models.PeriodicityDaily)})

	_, err := f.service.UpdatePeriodicity(context.Background(), view.ID, "e1", models.PeriodicityWeekly)
	require.Error(t, err)

	rows, _ := view.Cache().Get(1)
	require.Len(t, rows, 1)
	assert.Equal(t, models.PeriodicityDaily, rows[0].Periodicity, "failed update must restore the previous value")
	assert.Equal(t, 0, f.summaries.invalidations, "nothing changed buckets")
}

func TestUpdatePeriodicityRejectsUnknownValue(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	view := f.service.OpenView(models.QueryState{PageSize: 2})

	_, err := f.service.UpdatePeriodicity(context.Background(), view.ID, "e1", "yearly")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestSoftDeleteRemovesRowAndClampsPage(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})

	view := f.service.OpenView(models.QueryState{PageSize: 2, Page: 2})
	epoch := view.Cache().Epoch()
	view.Cache().SetIfCurrent(epoch, 1, []models.EntryDetail{detailRow("e1", models.PeriodicityDaily), detailRow("e2", models.PeriodicityDaily)})
	view.Cache().SetIfCurrent(epoch, 2, []models.EntryDetail{detailRow("e3", models.PeriodicityDaily)})
	view.SetTotals(3)
	view.SetPage(2)

	err := f.service.SoftDelete(context.Background(), view.ID, "e3")
	require.NoError(t, err)

	rows, _ := view.Cache().Get(2)
	assert.Empty(t, rows)

	count, pages := view.Totals()
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, pages)
	assert.Equal(t, 1, view.State().Page, "page beyond the new last page must be clamped")
	assert.Equal(t, 1, f.summaries.invalidations)
}

func TestSoftDeleteStoreErrorLeavesViewIntact(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	f.store.deleteErr = sql.ErrNoRows

	view := f.service.OpenView(models.QueryState{PageSize: 2})
	view.Cache().SetIfCurrent(view.Cache().Epoch(), 1, []models.EntryDetail{detailRow("e1", models.PeriodicityDaily)})
	view.SetTotals(1)

	err := f.service.SoftDelete(context.Background(), view.ID, "e1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErr.Code)

	rows, _ := view.Cache().Get(1)
	assert.Len(t, rows, 1, "view must not change when the store rejects the delete")
	assert.Equal(t, 0, f.summaries.invalidations)
}

func TestRecheckInvalidatesCacheAndSummary(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	row := detailRow("e1", models.PeriodicityDaily)
	f.store.detail = &row

	view := f.service.OpenView(models.QueryState{PageSize: 2})
	epoch := view.Cache().Epoch()
	view.Cache().SetIfCurrent(epoch, 1, []models.EntryDetail{row})

	refreshed, err := f.service.Recheck(context.Background(), view.ID, "e1")
	require.NoError(t, err)
	assert.Equal(t, "e1", refreshed.UUID)
	assert.Equal(t, 1, f.trigger.calls)
	assert.Greater(t, view.Cache().Epoch(), epoch)
	assert.Empty(t, view.Cache().Pages())
	assert.Equal(t, 1, f.summaries.invalidations)
}

func TestRecheckRefusesDeletedEntry(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	row := detailRow("e1", models.PeriodicityInactive)
	row.Reference.Status = models.ReferenceStatusDeleted
	f.store.detail = &row

	view := f.service.OpenView(models.QueryState{PageSize: 2})

	_, err := f.service.Recheck(context.Background(), view.ID, "e1")
	var appErr *appErrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, appErrors.ErrConflict.Code, appErr.Code)
	assert.Equal(t, 0, f.trigger.calls)
}

func TestRowActionsAreSingleFlight(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	row := detailRow("e1", models.PeriodicityDaily)
	f.store.detail = &row

	view := f.service.OpenView(models.QueryState{PageSize: 2})
	require.True(t, view.BeginAction())

	_, err := f.service.Recheck(context.Background(), view.ID, "e1")
	assert.ErrorIs(t, err, appErrors.ErrActionInFlight)

	_, err = f.service.UpdatePeriodicity(context.Background(), view.ID, "e1", models.PeriodicityWeekly)
	assert.ErrorIs(t, err, appErrors.ErrActionInFlight)

	view.EndAction()
	_, err = f.service.UpdatePeriodicity(context.Background(), view.ID, "e1", models.PeriodicityWeekly)
	assert.NoError(t, err)
}

func TestCertificateRequiresCheckRecord(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	f.checks.err = sql.ErrNoRows

	view := f.service.OpenView(models.QueryState{PageSize: 2})

	_, _, err := f.service.Certificate(context.Background(), view.ID, "e1")
	assert.ErrorIs(t, err, appErrors.ErrNoCheckRecord)
}

func TestCertificateRendersLatestCheck(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	valid := true
	name := "ACME HOLDING"
	checkedAt := time.Date(2024, 6, 2, 10, 30, 0, 0, time.UTC)
	f.checks.record = &models.CheckRecord{
		ID:                 "chk-1",
		CountryCodeChecked: "FR",
		VATNumberChecked:   "40303265045",
		Valid:              &valid,
		Name:               &name,
		CreatedAt:          checkedAt,
		CheckedAt:          &checkedAt,
	}

	view := f.service.OpenView(models.QueryState{PageSize: 2})

	payload, filename, err := f.service.Certificate(context.Background(), view.ID, "e1")
	require.NoError(t, err)
	assert.True(t, len(payload) > 4 && string(payload[:4]) == "%PDF")
	assert.Equal(t, "vat-certificate-FR40303265045-20240602.pdf", filename)
}

func TestExportCSV(t *testing.T) {
	f := newMonitorFixture(MonitorServiceOptions{})
	row := detailRow("e1", models.PeriodicityDaily)
	row.NumberOfChecks = 3
	row.Reference.Name = "ACME HOLDING"
	f.store.exportRows = []models.EntryDetail{row}

	view := f.service.OpenView(models.QueryState{PageSize: 2})

	payload, filename, err := f.service.ExportCSV(context.Background(), view.ID)
	require.NoError(t, err)
	assert.Contains(t, string(payload), "country_code,vat_number")
	assert.Contains(t, string(payload), "FR,40303265045,ACME HOLDING,daily,3")
	assert.Contains(t, string(payload), ",active")
	assert.Contains(t, filename, "monitored-entries-")
}
