package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vatwatch/vatwatch-api/internal/models"
	appErrors "github.com/vatwatch/vatwatch-api/pkg/errors"
)

const summaryCacheKey = "monitor:summary"

type statusCounter interface {
	CountByStatus(ctx context.Context) (*models.Summary, error)
}

// SummaryService serves the dashboard-wide status bucket counts. Counts are
// shared across sessions and cached for a short TTL; mutations that change
// bucket membership invalidate the cached value.
type SummaryService struct {
	entries statusCounter
	cache   *CacheService
	ttl     time.Duration
	logger  *zap.Logger
}

// NewSummaryService constructs a SummaryService.
func NewSummaryService(entries statusCounter, cache *CacheService, ttl time.Duration, logger *zap.Logger) *SummaryService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SummaryService{entries: entries, cache: cache, ttl: ttl, logger: logger}
}

// Summary returns the per-bucket entry counts, from cache when fresh.
func (s *SummaryService) Summary(ctx context.Context) (*models.Summary, error) {
	var cached models.Summary
	if hit, err := s.cache.Get(ctx, summaryCacheKey, &cached); err == nil && hit {
		return &cached, nil
	}

	summary, err := s.entries.CountByStatus(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "load summary")
	}

	if err := s.cache.Set(ctx, summaryCacheKey, summary, s.ttl); err != nil {
		s.logger.Warn("summary cache write failed", zap.Error(err))
	}
	return summary, nil
}

// InvalidateSummary drops the cached counts after a mutation moved an entry
// between buckets.
func (s *SummaryService) InvalidateSummary(ctx context.Context) {
	if err := s.cache.Invalidate(ctx, summaryCacheKey); err != nil {
		s.logger.Warn("summary cache invalidate failed", zap.Error(err))
	}
}
