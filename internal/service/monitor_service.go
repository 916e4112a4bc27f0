package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/vatwatch/vatwatch-api/internal/models"
	"github.com/vatwatch/vatwatch-api/internal/query"
	appErrors "github.com/vatwatch/vatwatch-api/pkg/errors"
	"github.com/vatwatch/vatwatch-api/pkg/export"
)

type recordStore interface {
	List(ctx context.Context, spec query.Spec, allowedIDs []string, page, size int) ([]models.EntryDetail, int, error)
	ListForExport(ctx context.Context, spec query.Spec, allowedIDs []string, limit int) ([]models.EntryDetail, error)
	FindByID(ctx context.Context, uuid string) (*models.EntryDetail, error)
	UpdatePeriodicity(ctx context.Context, uuid string, p models.Periodicity) (models.Periodicity, error)
	SoftDelete(ctx context.Context, uuid string, deletedAt time.Time) error
}

type latestCheckStore interface {
	LatestForEntry(ctx context.Context, entryUUID string) (*models.CheckRecord, error)
}

type identifierResolver interface {
	Resolve(ctx context.Context, search, entityName string) []string
}

type recheckTrigger interface {
	Trigger(ctx context.Context, entry *models.MonitoredEntry) error
}

type summaryInvalidator interface {
	InvalidateSummary(ctx context.Context)
}

// MonitorService drives the monitoring-room views: per-session query state,
// epoch-guarded page caching with neighbor prefetch, and the row mutations
// that keep cached pages consistent with the store.
type MonitorService struct {
	views        *ViewRegistry
	entries      recordStore
	checks       latestCheckStore
	resolver     identifierResolver
	recheck      recheckTrigger
	summaries    summaryInvalidator
	certificates *export.CertificateExporter
	csv          *export.CSVExporter

	defaultPageSize int
	maxPageSize     int
	prefetchRadius  int
	debounce        time.Duration
	exportRowLimit  int
	fetchTimeout    time.Duration

	validate *validator.Validate
	metrics  *MetricsService
	logger   *zap.Logger
}

// MonitorServiceOptions bundles the tuning knobs for NewMonitorService.
type MonitorServiceOptions struct {
	DefaultPageSize int
	MaxPageSize     int
	PrefetchRadius  int
	Debounce        time.Duration
	SessionTTL      time.Duration
	ExportRowLimit  int
}

// NewMonitorService constructs a MonitorService and its session registry.
func NewMonitorService(
	entries recordStore,
	checks latestCheckStore,
	resolver identifierResolver,
	recheck recheckTrigger,
	summaries summaryInvalidator,
	opts MonitorServiceOptions,
	metrics *MetricsService,
	logger *zap.Logger,
) *MonitorService {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 15
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 100
	}
	if opts.PrefetchRadius < 0 {
		opts.PrefetchRadius = 0
	}
	if opts.ExportRowLimit <= 0 {
		opts.ExportRowLimit = 10000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New()
	_ = validate.RegisterValidation("status_filter", func(fl validator.FieldLevel) bool {
		switch models.StatusFilter(fl.Field().String()) {
		case models.StatusAll, models.StatusPending, models.StatusInactive, models.StatusActive, models.StatusDeleted:
			return true
		default:
			return false
		}
	})
	return &MonitorService{
		views:           NewViewRegistry(opts.SessionTTL),
		entries:         entries,
		checks:          checks,
		resolver:        resolver,
		recheck:         recheck,
		summaries:       summaries,
		certificates:    export.NewCertificateExporter(),
		csv:             export.NewCSVExporter(),
		defaultPageSize: opts.DefaultPageSize,
		maxPageSize:     opts.MaxPageSize,
		prefetchRadius:  opts.PrefetchRadius,
		debounce:        opts.Debounce,
		exportRowLimit:  opts.ExportRowLimit,
		fetchTimeout:    15 * time.Second,
		validate:        validate,
		metrics:         metrics,
		logger:          logger,
	}
}

// PageResult is one rendered page of the monitoring table.
type PageResult struct {
	Entries    []models.EntryDetail `json:"entries"`
	Pagination models.Pagination    `json:"pagination"`
}

func (s *MonitorService) normalizeState(state models.QueryState) models.QueryState {
	if state.Page < 1 {
		state.Page = 1
	}
	if state.PageSize <= 0 {
		state.PageSize = s.defaultPageSize
	}
	if state.PageSize > s.maxPageSize {
		state.PageSize = s.maxPageSize
	}
	if state.Status == "" {
		state.Status = models.StatusAll
	}
	return state
}

// OpenView starts a new monitoring session with the given initial state.
func (s *MonitorService) OpenView(state models.QueryState) *MonitorView {
	return s.views.Create(s.normalizeState(state))
}

// CloseView terminates a session. Closing an already-expired session is a no-op.
func (s *MonitorService) CloseView(id string) {
	s.views.Delete(id)
}

// View resolves a live session by identifier.
func (s *MonitorService) View(id string) (*MonitorView, error) {
	return s.views.Get(id)
}

// ApplyQuery replaces a view's filter state. A state that differs only in page
// number keeps the cache; any filter change resets the view to page one,
// advances the cache epoch and schedules a debounced background warm-up of the
// new first page.
func (s *MonitorService) ApplyQuery(id string, state models.QueryState) (*MonitorView, error) {
	view, err := s.views.Get(id)
	if err != nil {
		return nil, err
	}

	state = s.normalizeState(state)
	if err := s.validate.Struct(state); err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	if view.State().SameFilters(state) {
		view.SetPage(state.Page)
		return view, nil
	}

	state.Page = 1
	view.SetState(state)
	view.Cache().Invalidate()

	view.ScheduleWarm(s.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
		defer cancel()
		if _, err := s.LoadPage(ctx, id, 1); err != nil {
			s.logger.Warn("background warm-up failed", zap.String("view", id), zap.Error(err))
		}
	})

	return view, nil
}

// LoadPage returns one page of results for the view, serving from the page
// cache when possible and triggering neighbor prefetch around the requested
// page. Queries that can be proven empty without touching the store are
// answered directly.
func (s *MonitorService) LoadPage(ctx context.Context, id string, page int) (*PageResult, error) {
	view, err := s.views.Get(id)
	if err != nil {
		return nil, err
	}

	if page < 1 {
		page = 1
	}
	view.SetPage(page)
	state := view.State()
	spec := query.Compile(state)

	if spec.MatchesNone {
		s.metrics.RecordShortCircuit()
		return s.emptyPage(view, state, page), nil
	}

	allowed := s.resolver.Resolve(ctx, state.Search, spec.EntityName)
	if allowed != nil && len(allowed) == 0 {
		s.metrics.RecordShortCircuit()
		return s.emptyPage(view, state, page), nil
	}

	cache := view.Cache()
	epoch := cache.Epoch()

	if rows, hit := cache.Get(page); hit {
		s.metrics.RecordPageLoad(true)
		s.prefetchNeighbors(view, spec, allowed, page, epoch)
		return s.pageResult(view, state, page, rows), nil
	}

	rows, total, err := s.entries.List(ctx, spec, allowed, page, state.PageSize)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "load page")
	}
	if rows == nil {
		// Keep the wire shape a JSON array even past the last page.
		rows = []models.EntryDetail{}
	}
	s.metrics.RecordPageLoad(false)

	if cache.SetIfCurrent(epoch, page, rows) {
		view.SetTotals(total)
	} else {
		s.metrics.RecordStaleDiscard()
	}

	s.prefetchNeighbors(view, spec, allowed, page, epoch)

	return &PageResult{
		Entries: rows,
		Pagination: models.Pagination{
			Page:       page,
			PageSize:   state.PageSize,
			TotalCount: total,
			TotalPages: totalPages(total, state.PageSize),
		},
	}, nil
}

func (s *MonitorService) pageResult(view *MonitorView, state models.QueryState, page int, rows []models.EntryDetail) *PageResult {
	count, pages := view.Totals()
	return &PageResult{
		Entries: rows,
		Pagination: models.Pagination{
			Page:       page,
			PageSize:   state.PageSize,
			TotalCount: count,
			TotalPages: pages,
		},
	}
}

func (s *MonitorService) emptyPage(view *MonitorView, state models.QueryState, page int) *PageResult {
	view.SetTotals(0)
	return &PageResult{
		Entries:    []models.EntryDetail{},
		Pagination: models.Pagination{Page: page, PageSize: state.PageSize},
	}
}

// prefetchNeighbors warms the pages around the current one in the background.
// Each prefetch carries the epoch captured at dispatch; results landing after
// a filter change are dropped by the cache. Failures are counted and ignored.
func (s *MonitorService) prefetchNeighbors(view *MonitorView, spec query.Spec, allowed []string, page int, epoch int64) {
	_, pages := view.Totals()
	if pages <= 1 || s.prefetchRadius == 0 {
		return
	}

	state := view.State()
	cache := view.Cache()

	for p := page - s.prefetchRadius; p <= page+s.prefetchRadius; p++ {
		if p == page || p < 1 || p > pages || cache.Has(p) {
			continue
		}
		target := p
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout)
			defer cancel()

			rows, _, err := s.entries.List(ctx, spec, allowed, target, state.PageSize)
			if err != nil {
				s.metrics.RecordPrefetch(true)
				s.logger.Debug("prefetch failed", zap.Int("page", target), zap.Error(err))
				return
			}
			s.metrics.RecordPrefetch(false)
			if !cache.SetIfCurrent(epoch, target, rows) {
				s.metrics.RecordStaleDiscard()
			}
		}()
	}
}

// GetEntry loads one entry with its latest-check enrichment and opens it in
// the view's detail pane.
func (s *MonitorService) GetEntry(ctx context.Context, id, entryUUID string) (*models.EntryDetail, error) {
	view, err := s.views.Get(id)
	if err != nil {
		return nil, err
	}

	detail, err := s.entries.FindByID(ctx, entryUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "load entry")
	}

	view.SetDetail(detail)
	return detail, nil
}

// UpdatePeriodicity changes an entry's recheck cadence. The new value is
// applied optimistically to every cached copy before the store round-trip;
// on failure the previous value is restored, and on success the value the
// store confirmed wins over the requested one.
func (s *MonitorService) UpdatePeriodicity(ctx context.Context, id, entryUUID string, p models.Periodicity) (models.Periodicity, error) {
	view, err := s.views.Get(id)
	if err != nil {
		return "", err
	}
	if !p.Valid() {
		return "", appErrors.Clone(appErrors.ErrValidation, "unknown periodicity")
	}
	if !view.BeginAction() {
		return "", appErrors.ErrActionInFlight
	}
	defer view.EndAction()

	previous, seen := s.applyPeriodicity(view, entryUUID, p)

	confirmed, err := s.entries.UpdatePeriodicity(ctx, entryUUID, p)
	if err != nil {
		if seen {
			s.applyPeriodicity(view, entryUUID, previous)
		}
		if errors.Is(err, sql.ErrNoRows) {
			return "", appErrors.ErrNotFound
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "update periodicity")
	}

	if confirmed != p {
		s.applyPeriodicity(view, entryUUID, confirmed)
	}

	// Periodicity moves the entry between status buckets.
	if s.summaries != nil {
		s.summaries.InvalidateSummary(ctx)
	}
	return confirmed, nil
}

// applyPeriodicity rewrites the entry's periodicity across every cached page
// and the detail pane. It returns the value found before the rewrite.
func (s *MonitorService) applyPeriodicity(view *MonitorView, entryUUID string, p models.Periodicity) (models.Periodicity, bool) {
	var previous models.Periodicity
	var seen bool

	view.Cache().MutateAll(func(_ int, rows []models.EntryDetail) []models.EntryDetail {
		for i := range rows {
			if rows[i].UUID == entryUUID {
				if !seen {
					previous = rows[i].Periodicity
					seen = true
				}
				rows[i].Periodicity = p
			}
		}
		return rows
	})

	if detail := view.Detail(); detail != nil && detail.UUID == entryUUID {
		if !seen {
			previous = detail.Periodicity
			seen = true
		}
		updated := *detail
		updated.Periodicity = p
		view.SetDetail(&updated)
	}

	return previous, seen
}

// SoftDelete marks an entry deleted in the store, then removes it from the
// view's cached pages. Unlike periodicity changes this is not optimistic: the
// store is consulted first and the view only updated on success.
func (s *MonitorService) SoftDelete(ctx context.Context, id, entryUUID string) error {
	view, err := s.views.Get(id)
	if err != nil {
		return err
	}
	if !view.BeginAction() {
		return appErrors.ErrActionInFlight
	}
	defer view.EndAction()

	if err := s.entries.SoftDelete(ctx, entryUUID, time.Now()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "entry not found or already deleted")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "delete entry")
	}

	view.Cache().MutateAll(func(_ int, rows []models.EntryDetail) []models.EntryDetail {
		out := rows[:0]
		for _, row := range rows {
			if row.UUID != entryUUID {
				out = append(out, row)
			}
		}
		return out
	})

	if detail := view.Detail(); detail != nil && detail.UUID == entryUUID {
		view.SetDetail(nil)
	}

	count, _ := view.Totals()
	if count > 0 {
		view.SetTotals(count - 1)
	}
	s.clampPage(view)

	if s.summaries != nil {
		s.summaries.InvalidateSummary(ctx)
	}
	return nil
}

func (s *MonitorService) clampPage(view *MonitorView) {
	_, pages := view.Totals()
	state := view.State()
	if pages > 0 && state.Page > pages {
		view.SetPage(pages)
	}
}

// Recheck asks the verification backend to re-verify one entry now, then
// drops the view's cached pages so the next load reflects the new check.
func (s *MonitorService) Recheck(ctx context.Context, id, entryUUID string) (*models.EntryDetail, error) {
	view, err := s.views.Get(id)
	if err != nil {
		return nil, err
	}
	if !view.BeginAction() {
		return nil, appErrors.ErrActionInFlight
	}
	defer view.EndAction()

	detail, err := s.entries.FindByID(ctx, entryUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "load entry")
	}
	if detail.Deleted() {
		return nil, appErrors.Clone(appErrors.ErrConflict, "cannot recheck a deleted entry")
	}

	if err := s.recheck.Trigger(ctx, &detail.MonitoredEntry); err != nil {
		return nil, appErrors.Wrap(err, "RECHECK_FAILED", appErrors.ErrInternal.Status, "trigger recheck")
	}

	view.Cache().Invalidate()
	if s.summaries != nil {
		s.summaries.InvalidateSummary(ctx)
	}

	refreshed, err := s.entries.FindByID(ctx, entryUUID)
	if err != nil {
		// The trigger succeeded; serve the pre-recheck snapshot.
		s.logger.Warn("reload after recheck failed", zap.String("entry", entryUUID), zap.Error(err))
		return detail, nil
	}
	view.SetDetail(refreshed)
	return refreshed, nil
}

// Certificate renders the entry's most recent verification as a PDF document.
func (s *MonitorService) Certificate(ctx context.Context, id, entryUUID string) ([]byte, string, error) {
	view, err := s.views.Get(id)
	if err != nil {
		return nil, "", err
	}
	if !view.BeginAction() {
		return nil, "", appErrors.ErrActionInFlight
	}
	defer view.EndAction()

	record, err := s.checks.LatestForEntry(ctx, entryUUID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", appErrors.ErrNoCheckRecord
		}
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "load check record")
	}

	checkedAt := record.CreatedAt
	if record.CheckedAt != nil {
		checkedAt = *record.CheckedAt
	}

	payload, err := s.certificates.Render(export.Certificate{
		CountryCode:          record.CountryCodeChecked,
		VATNumber:            record.VATNumberChecked,
		CheckedAt:            checkedAt,
		Valid:                record.Valid,
		Name:                 deref(record.Name),
		Address:              deref(record.Address),
		ConsultationNumber:   deref(record.ConsultationNumber),
		RequesterCountryCode: deref(record.RequesterCountryCode),
		RequesterVATNumber:   deref(record.RequesterVATNumber),
	})
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "render certificate")
	}

	filename := fmt.Sprintf("vat-certificate-%s%s-%s.pdf",
		record.CountryCodeChecked, record.VATNumberChecked, checkedAt.Format("20060102"))
	return payload, filename, nil
}

// ExportCSV renders the view's current result set, ignoring pagination, as a
// CSV download capped at the configured row limit.
func (s *MonitorService) ExportCSV(ctx context.Context, id string) ([]byte, string, error) {
	view, err := s.views.Get(id)
	if err != nil {
		return nil, "", err
	}

	state := view.State()
	spec := query.Compile(state)

	var rows []models.EntryDetail
	if !spec.MatchesNone {
		allowed := s.resolver.Resolve(ctx, state.Search, spec.EntityName)
		if allowed == nil || len(allowed) > 0 {
			rows, err = s.entries.ListForExport(ctx, spec, allowed, s.exportRowLimit)
			if err != nil {
				return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "export entries")
			}
		}
	}

	dataset := export.Dataset{
		Headers: []string{"country_code", "vat_number", "name", "periodicity", "number_of_checks", "last_check_at", "latest_valid", "created_at", "status"},
	}
	for _, row := range rows {
		dataset.Rows = append(dataset.Rows, map[string]string{
			"country_code":     row.CountryCode,
			"vat_number":       row.VATNumber,
			"name":             row.Reference.Name,
			"periodicity":      string(row.Periodicity),
			"number_of_checks": fmt.Sprintf("%d", row.NumberOfChecks),
			"last_check_at":    formatTimePtr(row.LastCheckAt),
			"latest_valid":     formatBoolPtr(row.LatestValid),
			"created_at":       row.CreatedAt.Format(time.RFC3339),
			"status":           string(entryStatus(&row)),
		})
	}

	payload, err := s.csv.Render(dataset)
	if err != nil {
		return nil, "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "render export")
	}
	filename := fmt.Sprintf("monitored-entries-%s.csv", time.Now().Format("20060102-150405"))
	return payload, filename, nil
}

// entryStatus derives the status bucket shown for one row.
func entryStatus(row *models.EntryDetail) models.StatusFilter {
	switch {
	case row.Deleted():
		return models.StatusDeleted
	case row.Periodicity == models.PeriodicityInactive:
		return models.StatusInactive
	case row.NumberOfChecks == 0:
		return models.StatusPending
	default:
		return models.StatusActive
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatBoolPtr(b *bool) string {
	if b == nil {
		return ""
	}
	if *b {
		return "true"
	}
	return "false"
}
