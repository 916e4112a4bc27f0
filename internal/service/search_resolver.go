package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type entrySearcher interface {
	SearchIDs(ctx context.Context, term string) ([]string, error)
}

type checkSearcher interface {
	SearchEntryIDs(ctx context.Context, term string) ([]string, error)
}

// SearchResolver translates free text into a constrained entry identifier set
// by querying the entry and check collections. Lookup failures degrade to "no
// matches from this source" instead of failing the overall query.
type SearchResolver struct {
	entries entrySearcher
	checks  checkSearcher
	metrics *MetricsService
	logger  *zap.Logger
}

// NewSearchResolver constructs a SearchResolver.
func NewSearchResolver(entries entrySearcher, checks checkSearcher, metrics *MetricsService, logger *zap.Logger) *SearchResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SearchResolver{entries: entries, checks: checks, metrics: metrics, logger: logger}
}

// SanitizeTerm strips query metacharacters and normalizes separators. An
// all-metacharacter input collapses to the empty term.
func SanitizeTerm(raw string) string {
	s := strings.NewReplacer("%", "", "_", "", ",", " ").Replace(strings.TrimSpace(raw))
	return strings.TrimSpace(s)
}

// Resolve returns the identifier set allowed to appear in results. A nil
// result means "no constraint" (neither term present); an empty non-nil
// result means the query must short-circuit to an empty page.
//
// The search term and the entity-name filter resolve independently; when both
// are present their identifier sets are intersected.
func (r *SearchResolver) Resolve(ctx context.Context, search, entityName string) []string {
	search = SanitizeTerm(search)
	entityName = SanitizeTerm(entityName)

	if search == "" && entityName == "" {
		return nil
	}
	if search != "" && entityName != "" {
		return intersect(r.resolveTerm(ctx, search), r.resolveTerm(ctx, entityName))
	}
	if search != "" {
		return r.resolveTerm(ctx, search)
	}
	return r.resolveTerm(ctx, entityName)
}

// resolveTerm fires both collection lookups concurrently and unions their
// identifier sets. The returned slice is never nil and is sorted for
// deterministic downstream queries.
func (r *SearchResolver) resolveTerm(ctx context.Context, term string) []string {
	var entryIDs, checkIDs []string

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		start := time.Now()
		ids, err := r.entries.SearchIDs(ctx, term)
		r.metrics.ObserveResolverLookup("entries", time.Since(start))
		if err != nil {
			r.logger.Warn("entry search lookup failed", zap.Error(err))
			return nil
		}
		entryIDs = ids
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		ids, err := r.checks.SearchEntryIDs(ctx, term)
		r.metrics.ObserveResolverLookup("checks", time.Since(start))
		if err != nil {
			r.logger.Warn("check search lookup failed", zap.Error(err))
			return nil
		}
		checkIDs = ids
		return nil
	})

	// Lookup errors are swallowed above, so Wait cannot fail.
	_ = g.Wait()

	return union(entryIDs, checkIDs)
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, id := range set {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func intersect(a, b []string) []string {
	inA := make(map[string]struct{}, len(a))
	for _, id := range a {
		inA[id] = struct{}{}
	}
	out := make([]string, 0, len(b))
	for _, id := range b {
		if _, ok := inA[id]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
