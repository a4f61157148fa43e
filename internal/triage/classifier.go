package triage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetplane/fleetplane/internal/cache"
	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/models"
)

// Classifier maps failure records to actionable categories. Classify is
// a pure function of its input; batch results are optionally cached by
// subject id so repeated triage of the same delivery is cheap.
type Classifier struct {
	cfg      config.TriageConfig
	cache    cache.Provider
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewClassifier constructs a classifier. cacheProvider may be nil to
// disable result caching.
func NewClassifier(cfg config.TriageConfig, cacheProvider cache.Provider, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.ExactConfidence <= 0 {
		cfg.ExactConfidence = 95
	}
	if cfg.PatternConfidence <= 0 {
		cfg.PatternConfidence = 70
	}
	if cfg.UnknownConfidence <= 0 {
		cfg.UnknownConfidence = 20
	}
	return &Classifier{
		cfg:      cfg,
		cache:    cacheProvider,
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
	}
}

// Classify assigns a category, confidence, and retry recommendation to
// one failure record.
func (c *Classifier) Classify(rec models.FailureRecord) models.TriageResult {
	result := models.TriageResult{
		SubjectID:  rec.SubjectID,
		Category:   models.TriageUnknown,
		Confidence: c.cfg.UnknownConfidence,
		Reason:     "no recognised failure signal",
	}

	switch {
	case rec.StatusCode == 429:
		result.Category = models.TriageRateLimited
		result.Confidence = c.cfg.ExactConfidence
		result.Reason = "status 429"
		if hasRateLimitHeader(rec.Headers) {
			result.Confidence = capConfidence(result.Confidence + 5)
			result.Reason = "status 429 with rate-limit header"
		}
	case hasRateLimitHeader(rec.Headers):
		result.Category = models.TriageRateLimited
		result.Confidence = c.cfg.PatternConfidence
		result.Reason = "rate-limit header signal"
	case rec.StatusCode >= 500 && rec.StatusCode < 600:
		result.Category = models.TriageTransient
		result.Confidence = c.cfg.ExactConfidence
		result.Reason = fmt.Sprintf("status %d", rec.StatusCode)
	case rec.StatusCode >= 400 && rec.StatusCode < 500:
		result.Category = models.TriagePermanent
		result.Confidence = c.cfg.ExactConfidence
		result.Reason = fmt.Sprintf("status %d", rec.StatusCode)
	case matchesAny(rec.ErrorText, transientPatterns):
		result.Category = models.TriageTransient
		result.Confidence = c.cfg.PatternConfidence
		result.Reason = "transient network error text"
	case matchesAny(rec.ErrorText, permanentPatterns):
		result.Category = models.TriagePermanent
		result.Confidence = c.cfg.PatternConfidence
		result.Reason = "validation error text"
	}

	result.Retryable = result.Category == models.TriageTransient ||
		result.Category == models.TriageRateLimited
	return result
}

// ClassifyBatch classifies up to the configured batch limit in one call,
// preserving input order. Oversized batches are rejected rather than
// silently truncated.
func (c *Classifier) ClassifyBatch(ctx context.Context, recs []models.FailureRecord) ([]models.TriageResult, error) {
	if len(recs) > c.cfg.BatchLimit {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(recs), c.cfg.BatchLimit)
	}

	results := make([]models.TriageResult, len(recs))
	for i, rec := range recs {
		if cached, ok := c.cachedResult(ctx, rec.SubjectID); ok {
			results[i] = cached
			continue
		}
		results[i] = c.Classify(rec)
		c.storeResult(ctx, results[i])
	}
	return results, nil
}

func (c *Classifier) cachedResult(ctx context.Context, subjectID string) (models.TriageResult, bool) {
	if c.cache == nil || subjectID == "" {
		return models.TriageResult{}, false
	}
	data, err := c.cache.Get(ctx, triageKey(subjectID))
	if err != nil {
		return models.TriageResult{}, false
	}
	var result models.TriageResult
	if err := json.Unmarshal(data, &result); err != nil {
		return models.TriageResult{}, false
	}
	return result, true
}

func (c *Classifier) storeResult(ctx context.Context, result models.TriageResult) {
	if c.cache == nil || result.SubjectID == "" {
		return
	}
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, triageKey(result.SubjectID), data, c.cacheTTL); err != nil {
		c.logger.Debug("triage cache write failed", slog.Any("error", err))
	}
}

func triageKey(subjectID string) string {
	return "triage:" + subjectID
}

var transientPatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"timed out",
	"temporary failure",
	"no such host",
	"broken pipe",
	"eof",
}

var permanentPatterns = []string{
	"schema",
	"validation",
	"invalid payload",
	"malformed",
}

func matchesAny(text string, patterns []string) bool {
	if text == "" {
		return false
	}
	lowered := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lowered, p) {
			return true
		}
	}
	return false
}

func hasRateLimitHeader(headers map[string]string) bool {
	for key, value := range headers {
		switch strings.ToLower(key) {
		case "x-ratelimit-remaining":
			if strings.TrimSpace(value) == "0" {
				return true
			}
		case "retry-after":
			if strings.TrimSpace(value) != "" {
				return true
			}
		}
	}
	return false
}

func capConfidence(v int) int {
	if v > 100 {
		return 100
	}
	return v
}
