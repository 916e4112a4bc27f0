package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/vatwatch/vatwatch-api/internal/models"
	appErrors "github.com/vatwatch/vatwatch-api/pkg/errors"
)

// MonitorView is the server-side state of one monitoring-room session: the
// current filter state, the epoch-guarded page cache, result totals and the
// optional detail row the operator drilled into. All reads and writes go
// through the view mutex; page data lives in the embedded PageCache which has
// its own locking.
type MonitorView struct {
	ID string

	mu         sync.Mutex
	state      models.QueryState
	cache      *PageCache
	totalCount int
	totalPages int
	detail     *models.EntryDetail
	warmTimer  *time.Timer

	// action serializes row mutations: only one periodicity change, delete,
	// recheck or certificate download may run per view at a time.
	action atomic.Bool
}

func newMonitorView(id string, state models.QueryState) *MonitorView {
	return &MonitorView{ID: id, state: state, cache: NewPageCache()}
}

// State returns a copy of the current filter state.
func (v *MonitorView) State() models.QueryState {
	v.mu.Lock()
	defer v.mu.Unlock()
	return copyState(v.state)
}

// SetState replaces the filter state.
func (v *MonitorView) SetState(state models.QueryState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state = copyState(state)
}

// SetPage moves the view to another page without touching the filters.
func (v *MonitorView) SetPage(page int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.state.Page = page
}

// Cache returns the view's page cache.
func (v *MonitorView) Cache() *PageCache {
	return v.cache
}

// Totals returns the last known result count and page count.
func (v *MonitorView) Totals() (count, pages int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.totalCount, v.totalPages
}

// SetTotals records the result count and derives the page count from the
// current page size. Callers must only invoke it after a successful
// epoch-checked cache write, or under a row mutation that already owns the
// action gate.
func (v *MonitorView) SetTotals(count int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.totalCount = count
	v.totalPages = totalPages(count, v.state.PageSize)
}

// Detail returns the entry currently opened in the detail pane, if any.
func (v *MonitorView) Detail() *models.EntryDetail {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.detail
}

// SetDetail replaces the detail pane row. Passing nil closes the pane.
func (v *MonitorView) SetDetail(detail *models.EntryDetail) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.detail = detail
}

// BeginAction tries to acquire the single-flight row action gate.
func (v *MonitorView) BeginAction() bool {
	return v.action.CompareAndSwap(false, true)
}

// EndAction releases the row action gate.
func (v *MonitorView) EndAction() {
	v.action.Store(false)
}

// ScheduleWarm arms the debounced background warm-up. A pending timer from an
// earlier filter change is cancelled first, so rapid consecutive edits
// collapse into one recompute.
func (v *MonitorView) ScheduleWarm(delay time.Duration, fn func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.warmTimer != nil {
		v.warmTimer.Stop()
	}
	if delay <= 0 {
		v.warmTimer = nil
		go fn()
		return
	}
	v.warmTimer = time.AfterFunc(delay, fn)
}

// CancelWarm stops any pending warm-up timer.
func (v *MonitorView) CancelWarm() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.warmTimer != nil {
		v.warmTimer.Stop()
		v.warmTimer = nil
	}
}

func copyState(state models.QueryState) models.QueryState {
	if state.Filters != nil {
		filters := make(map[string]string, len(state.Filters))
		for key, value := range state.Filters {
			filters[key] = value
		}
		state.Filters = filters
	}
	return state
}

func totalPages(count, pageSize int) int {
	if pageSize <= 0 || count <= 0 {
		return 0
	}
	return (count + pageSize - 1) / pageSize
}

// ViewRegistry tracks live monitoring sessions with a sliding idle TTL.
// Sessions that go untouched for the configured duration are evicted and any
// later use fails with a session-expired error.
type ViewRegistry struct {
	views *gocache.Cache
	ttl   time.Duration
}

// NewViewRegistry constructs a registry with the given idle TTL.
func NewViewRegistry(ttl time.Duration) *ViewRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ViewRegistry{
		views: gocache.New(ttl, ttl/2),
		ttl:   ttl,
	}
}

// Create opens a new view with the given initial state and registers it.
func (r *ViewRegistry) Create(state models.QueryState) *MonitorView {
	view := newMonitorView(uuid.New().String(), copyState(state))
	r.views.Set(view.ID, view, r.ttl)
	return view
}

// Get looks up a live view and refreshes its idle TTL.
func (r *ViewRegistry) Get(id string) (*MonitorView, error) {
	v, ok := r.views.Get(id)
	if !ok {
		return nil, appErrors.ErrSessionExpired
	}
	view := v.(*MonitorView)
	r.views.Set(id, view, r.ttl)
	return view, nil
}

// Delete closes a view and stops its pending timers.
func (r *ViewRegistry) Delete(id string) {
	if v, ok := r.views.Get(id); ok {
		v.(*MonitorView).CancelWarm()
	}
	r.views.Delete(id)
}
