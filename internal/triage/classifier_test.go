package triage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetplane/fleetplane/internal/cache"
	"github.com/fleetplane/fleetplane/internal/config"
	"github.com/fleetplane/fleetplane/internal/models"
)

func newTestClassifier(cacheProvider cache.Provider) *Classifier {
	return NewClassifier(config.TriageConfig{
		BatchLimit:        100,
		ExactConfidence:   95,
		PatternConfidence: 70,
		UnknownConfidence: 20,
	}, cacheProvider, nil)
}

func TestClassifyCategories(t *testing.T) {
	c := newTestClassifier(nil)

	cases := []struct {
		name       string
		rec        models.FailureRecord
		category   models.TriageCategory
		minConf    int
		retryable  bool
	}{
		{"5xx is transient", models.FailureRecord{StatusCode: 503}, models.TriageTransient, 90, true},
		{"404 is permanent", models.FailureRecord{StatusCode: 404}, models.TriagePermanent, 90, false},
		{"429 with header is rate limited", models.FailureRecord{
			StatusCode: 429,
			Headers:    map[string]string{"X-RateLimit-Remaining": "0"},
		}, models.TriageRateLimited, 95, true},
		{"429 alone is rate limited", models.FailureRecord{StatusCode: 429}, models.TriageRateLimited, 90, true},
		{"connection refused is transient", models.FailureRecord{
			ErrorText: "dial tcp 10.0.0.1:443: connection refused",
		}, models.TriageTransient, 60, true},
		{"validation text is permanent", models.FailureRecord{
			ErrorText: "payload failed schema validation",
		}, models.TriagePermanent, 60, false},
		{"retry-after header is rate limited", models.FailureRecord{
			Headers: map[string]string{"Retry-After": "30"},
		}, models.TriageRateLimited, 60, true},
		{"nothing matches is unknown", models.FailureRecord{}, models.TriageUnknown, 1, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := c.Classify(tc.rec)
			assert.Equal(t, tc.category, got.Category)
			assert.GreaterOrEqual(t, got.Confidence, tc.minConf)
			assert.LessOrEqual(t, got.Confidence, 100)
			assert.Equal(t, tc.retryable, got.Retryable)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestClassifyBatchPreservesOrder(t *testing.T) {
	c := newTestClassifier(nil)

	recs := make([]models.FailureRecord, 0, 50)
	for i := 0; i < 50; i++ {
		status := 500
		if i%2 == 1 {
			status = 404
		}
		recs = append(recs, models.FailureRecord{
			SubjectID:  fmt.Sprintf("d-%d", i),
			StatusCode: status,
		})
	}

	results, err := c.ClassifyBatch(context.Background(), recs)
	require.NoError(t, err)
	require.Len(t, results, 50)
	for i, res := range results {
		assert.Equal(t, fmt.Sprintf("d-%d", i), res.SubjectID)
		if i%2 == 0 {
			assert.Equal(t, models.TriageTransient, res.Category)
		} else {
			assert.Equal(t, models.TriagePermanent, res.Category)
		}
	}
}

func TestClassifyBatchRejectsOversized(t *testing.T) {
	c := NewClassifier(config.TriageConfig{BatchLimit: 10}, nil, nil)
	recs := make([]models.FailureRecord, 11)
	_, err := c.ClassifyBatch(context.Background(), recs)
	require.Error(t, err)
}

func TestClassifyBatchUsesCache(t *testing.T) {
	mem := cache.NewMemoryProvider()
	c := newTestClassifier(mem)
	ctx := context.Background()

	first, err := c.ClassifyBatch(ctx, []models.FailureRecord{{SubjectID: "d-1", StatusCode: 503}})
	require.NoError(t, err)
	require.Equal(t, models.TriageTransient, first[0].Category)

	// Same subject with a different signal replays the cached result.
	second, err := c.ClassifyBatch(ctx, []models.FailureRecord{{SubjectID: "d-1", StatusCode: 404}})
	require.NoError(t, err)
	assert.Equal(t, models.TriageTransient, second[0].Category)
}
