package abtest

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
)

func testEngine(t *testing.T, seed int64) *Engine {
	t.Helper()
	return NewEngine(storage.NewMemory(), config.ABTestConfig{
		MinimumSampleSize: 100,
		ConfidenceLevel:   0.95,
	}, WithRand(rand.New(rand.NewSource(seed))),
		WithClock(func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }))
}

func twoVariantTest() *domain.ABTest {
	return &domain.ABTest{
		Name: "subject line test",
		Variants: []domain.ABVariant{
			{ID: "a", Name: "control", Weight: 30, Subject: "Your weekly recap"},
			{ID: "b", Name: "urgent", Weight: 70, Subject: "Don't miss this week's moves"},
		},
		WinnerMetric: domain.MetricOpenRate,
	}
}

func TestCreateAndStartTest(t *testing.T) {
	e := testEngine(t, 1)
	ctx := context.Background()

	test := twoVariantTest()
	require.NoError(t, e.CreateTest(ctx, test))
	assert.Equal(t, domain.ABTestDraft, test.Status)
	assert.Equal(t, 100, test.MinimumSampleSize)
	assert.Equal(t, 0.95, test.ConfidenceLevel)

	// Draft tests cannot hand out variants.
	_, err := e.SelectVariant(ctx, test.ID)
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, e.StartTest(ctx, test.ID))
	v, err := e.SelectVariant(ctx, test.ID)
	require.NoError(t, err)
	assert.Contains(t, []string{"a", "b"}, v.ID)

	// running → running is not a legal transition.
	assert.ErrorIs(t, e.StartTest(ctx, test.ID), ErrInvalidTransition)
	require.NoError(t, e.PauseTest(ctx, test.ID))
	assert.ErrorIs(t, e.PauseTest(ctx, test.ID), ErrInvalidTransition)
}

func TestCreateTestRejectsBadInput(t *testing.T) {
	e := testEngine(t, 1)
	ctx := context.Background()

	assert.ErrorIs(t, e.CreateTest(ctx, &domain.ABTest{Name: "empty"}), ErrNoVariants)

	err := e.CreateTest(ctx, &domain.ABTest{
		Name:     "overweight",
		Variants: []domain.ABVariant{{ID: "a", Weight: 150}},
	})
	require.Error(t, err)
}

func TestWeightedSelectionDistribution(t *testing.T) {
	e := testEngine(t, 42)
	ctx := context.Background()

	test := twoVariantTest()
	require.NoError(t, e.CreateTest(ctx, test))
	require.NoError(t, e.StartTest(ctx, test.ID))

	const draws = 100_000
	counts := map[string]int{}
	for i := 0; i < draws; i++ {
		v, err := e.SelectVariant(ctx, test.ID)
		require.NoError(t, err)
		counts[v.ID]++
	}

	aShare := float64(counts["a"]) / draws
	bShare := float64(counts["b"]) / draws
	assert.InDelta(t, 0.30, aShare, 0.02)
	assert.InDelta(t, 0.70, bShare, 0.02)
}

func TestSelectionFallbackWhenWeightsUnder100(t *testing.T) {
	e := testEngine(t, 7)
	ctx := context.Background()

	test := &domain.ABTest{
		Name: "partial weights",
		Variants: []domain.ABVariant{
			{ID: "a", Name: "a", Weight: 10},
			{ID: "b", Name: "b", Weight: 10},
		},
	}
	require.NoError(t, e.CreateTest(ctx, test))
	require.NoError(t, e.StartTest(ctx, test.ID))

	// Draws past the 20% cumulative weight fall back to the first variant,
	// so across many draws variant a dominates and nothing errors.
	counts := map[string]int{}
	for i := 0; i < 10_000; i++ {
		v, err := e.SelectVariant(ctx, test.ID)
		require.NoError(t, err)
		counts[v.ID]++
	}
	assert.Greater(t, counts["a"], counts["b"])
}

func TestNoWinnerBeforeMinimumSample(t *testing.T) {
	e := testEngine(t, 3)
	ctx := context.Background()

	test := twoVariantTest()
	require.NoError(t, e.CreateTest(ctx, test))
	require.NoError(t, e.StartTest(ctx, test.ID))

	// 90 sends total with a lopsided open rate: still no winner.
	for i := 0; i < 45; i++ {
		require.NoError(t, e.RecordEvent(ctx, test.ID, "a", EventSent))
		require.NoError(t, e.RecordEvent(ctx, test.ID, "b", EventSent))
	}
	for i := 0; i < 40; i++ {
		require.NoError(t, e.RecordEvent(ctx, test.ID, "b", EventOpened))
	}

	got, err := e.store.GetABTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ABTestRunning, got.Status)
	assert.Empty(t, got.WinnerID)
}

func TestWinnerDeclaredAndFrozen(t *testing.T) {
	e := testEngine(t, 3)
	ctx := context.Background()

	test := twoVariantTest()
	require.NoError(t, e.CreateTest(ctx, test))
	require.NoError(t, e.StartTest(ctx, test.ID))

	for i := 0; i < 100; i++ {
		require.NoError(t, e.RecordEvent(ctx, test.ID, "a", EventSent))
		require.NoError(t, e.RecordEvent(ctx, test.ID, "b", EventSent))
	}
	// Variant b opens at 60%, a at 5%: decisive gap over a 200-send sample.
	for i := 0; i < 5; i++ {
		require.NoError(t, e.RecordEvent(ctx, test.ID, "a", EventOpened))
	}
	for i := 0; i < 60; i++ {
		require.NoError(t, e.RecordEvent(ctx, test.ID, "b", EventOpened))
	}

	got, err := e.store.GetABTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ABTestCompleted, got.Status)
	assert.Equal(t, "b", got.WinnerID)
	require.NotNil(t, got.CompletedAt)

	// Completed tests ignore further events; the winner never flips.
	for i := 0; i < 200; i++ {
		require.NoError(t, e.RecordEvent(ctx, test.ID, "a", EventOpened))
	}
	got, err = e.store.GetABTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.WinnerID)

	results, err := e.Results(ctx, test.ID)
	require.NoError(t, err)
	for _, r := range results {
		if r.VariantID == "b" {
			assert.True(t, r.IsWinner)
			assert.InDelta(t, 0.60, r.OpenRate, 0.001)
		}
	}
}

func TestPausedTestSkipsWinnerEvaluation(t *testing.T) {
	e := testEngine(t, 3)
	ctx := context.Background()

	test := twoVariantTest()
	require.NoError(t, e.CreateTest(ctx, test))
	require.NoError(t, e.StartTest(ctx, test.ID))

	for i := 0; i < 100; i++ {
		require.NoError(t, e.RecordEvent(ctx, test.ID, "a", EventSent))
		require.NoError(t, e.RecordEvent(ctx, test.ID, "b", EventSent))
	}
	require.NoError(t, e.PauseTest(ctx, test.ID))

	for i := 0; i < 80; i++ {
		require.NoError(t, e.RecordEvent(ctx, test.ID, "b", EventOpened))
	}
	got, err := e.store.GetABTest(ctx, test.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ABTestPaused, got.Status)
	assert.Empty(t, got.WinnerID)
}
