package abtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tdmboyd-dev/TIME-sub002/internal/config"
	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/pkg/logger"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
)

var (
	// ErrNoVariants is returned when a test is created without variants.
	ErrNoVariants = errors.New("abtest: test needs at least one variant")
	// ErrInvalidTransition is returned for status changes outside
	// draft→running and running→paused.
	ErrInvalidTransition = errors.New("abtest: invalid status transition")
	// ErrNotRunning is returned when selecting a variant on a test that is
	// not currently running.
	ErrNotRunning = errors.New("abtest: test is not running")
)

// EventKind is the engagement event fed back into a running test.
type EventKind string

const (
	EventSent      EventKind = "sent"
	EventOpened    EventKind = "opened"
	EventClicked   EventKind = "clicked"
	EventConverted EventKind = "converted"
)

type variantCounters struct {
	sent, opened, clicked, converted int
}

// Engine runs subject/content experiments: weighted variant assignment,
// per-variant engagement counters, and a winner decision once the sample
// is large enough.
type Engine struct {
	store storage.ABTestStore
	cfg   config.ABTestConfig
	log   *logger.Logger
	now   func() time.Time

	mu       sync.Mutex
	rng      *rand.Rand
	counters map[string]map[string]*variantCounters // testID → variantID
}

// Option configures an Engine.
type Option func(*Engine)

// WithRand injects a seeded random source so variant assignment is
// reproducible in tests.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an A/B engine on the given store.
func NewEngine(store storage.ABTestStore, cfg config.ABTestConfig, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		cfg:      cfg,
		log:      logger.With("abtest"),
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		counters: make(map[string]map[string]*variantCounters),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTest validates and persists a draft test. Config defaults fill in
// a missing sample size or confidence level.
func (e *Engine) CreateTest(ctx context.Context, t *domain.ABTest) error {
	if len(t.Variants) == 0 {
		return ErrNoVariants
	}
	for i := range t.Variants {
		if t.Variants[i].ID == "" {
			t.Variants[i].ID = uuid.New().String()
		}
		if t.Variants[i].Weight < 0 || t.Variants[i].Weight > 100 {
			return fmt.Errorf("abtest: variant %s weight %d out of range", t.Variants[i].Name, t.Variants[i].Weight)
		}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.MinimumSampleSize == 0 {
		t.MinimumSampleSize = e.cfg.MinimumSampleSize
	}
	if t.ConfidenceLevel == 0 {
		t.ConfidenceLevel = e.cfg.ConfidenceLevel
	}
	if t.WinnerMetric == "" {
		t.WinnerMetric = domain.MetricOpenRate
	}
	t.Status = domain.ABTestDraft
	t.CreatedAt = e.now()
	return e.store.CreateABTest(ctx, t)
}

// StartTest moves a draft test to running.
func (e *Engine) StartTest(ctx context.Context, testID string) error {
	return e.transition(ctx, testID, domain.ABTestDraft, domain.ABTestRunning)
}

// PauseTest halts a running test; paused tests stop evaluating winners.
func (e *Engine) PauseTest(ctx context.Context, testID string) error {
	return e.transition(ctx, testID, domain.ABTestRunning, domain.ABTestPaused)
}

func (e *Engine) transition(ctx context.Context, testID string, from, to domain.ABTestStatus) error {
	t, err := e.store.GetABTest(ctx, testID)
	if err != nil {
		return fmt.Errorf("get test: %w", err)
	}
	if t.Status != from {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return e.store.UpdateABTest(ctx, t)
}

// SelectVariant assigns a variant by weighted draw: a uniform value in
// [0,100) walks the variants in registration order accumulating weight.
// When weights sum under 100 and the draw lands past the total, the first
// variant wins by fallback; selection never fails on that path.
func (e *Engine) SelectVariant(ctx context.Context, testID string) (*domain.ABVariant, error) {
	t, err := e.store.GetABTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}
	if t.Status != domain.ABTestRunning {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, t.Status)
	}
	if len(t.Variants) == 0 {
		return nil, ErrNoVariants
	}

	e.mu.Lock()
	draw := e.rng.Float64() * 100
	e.mu.Unlock()

	cumulative := 0.0
	for i := range t.Variants {
		cumulative += float64(t.Variants[i].Weight)
		if cumulative >= draw {
			return &t.Variants[i], nil
		}
	}
	return &t.Variants[0], nil
}

// RecordEvent feeds one engagement event into a variant's counters, then
// re-evaluates the winner while the test is running.
func (e *Engine) RecordEvent(ctx context.Context, testID, variantID string, kind EventKind) error {
	t, err := e.store.GetABTest(ctx, testID)
	if err != nil {
		return fmt.Errorf("get test: %w", err)
	}

	e.mu.Lock()
	byVariant, ok := e.counters[testID]
	if !ok {
		byVariant = make(map[string]*variantCounters)
		e.counters[testID] = byVariant
	}
	c, ok := byVariant[variantID]
	if !ok {
		c = &variantCounters{}
		byVariant[variantID] = c
	}
	switch kind {
	case EventSent:
		c.sent++
	case EventOpened:
		c.opened++
	case EventClicked:
		c.clicked++
	case EventConverted:
		c.converted++
	default:
		e.mu.Unlock()
		return fmt.Errorf("abtest: unknown event kind %q", kind)
	}
	e.mu.Unlock()

	if t.Status == domain.ABTestRunning {
		return e.evaluateWinner(ctx, t)
	}
	return nil
}

// Results returns per-variant counters, rates, and confidence.
func (e *Engine) Results(ctx context.Context, testID string) ([]domain.ABTestResult, error) {
	t, err := e.store.GetABTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("get test: %w", err)
	}
	return e.buildResults(t), nil
}

func (e *Engine) buildResults(t *domain.ABTest) []domain.ABTestResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]domain.ABTestResult, 0, len(t.Variants))
	for _, v := range t.Variants {
		c := e.counters[t.ID][v.ID]
		if c == nil {
			c = &variantCounters{}
		}
		r := domain.ABTestResult{
			VariantID: v.ID,
			Sent:      c.sent,
			Opened:    c.opened,
			Clicked:   c.clicked,
			Converted: c.converted,
			IsWinner:  v.ID == t.WinnerID,
		}
		if c.sent > 0 {
			r.OpenRate = float64(c.opened) / float64(c.sent)
			r.ClickRate = float64(c.clicked) / float64(c.sent)
			r.ConversionRate = float64(c.converted) / float64(c.sent)
		}
		results = append(results, r)
	}

	// Each variant's confidence compares its rate to the mean of the rest.
	if len(results) >= 2 {
		for i := range results {
			var otherSum float64
			for j := range results {
				if j != i {
					otherSum += metricRate(results[j], t.WinnerMetric)
				}
			}
			otherMean := otherSum / float64(len(results)-1)
			results[i].Confidence = scaledConfidence(metricRate(results[i], t.WinnerMetric), otherMean, results[i].Sent)
		}
	}
	return results
}

func metricRate(r domain.ABTestResult, metric domain.WinnerMetric) float64 {
	switch metric {
	case domain.MetricClickRate:
		return r.ClickRate
	case domain.MetricConversionRate:
		return r.ConversionRate
	default:
		return r.OpenRate
	}
}

// evaluateWinner checks whether the sample is large enough and whether the
// leading variant's rate stands out from the rest. The confidence figure
// is a scaled z-like comparison against the mean of the other variants,
// not a rigorous two-proportion test; it lands in 0–99.9.
func (e *Engine) evaluateWinner(ctx context.Context, t *domain.ABTest) error {
	results := e.buildResults(t)
	if len(results) < 2 {
		return nil
	}

	totalSent := 0
	for _, r := range results {
		totalSent += r.Sent
	}
	if totalSent < t.MinimumSampleSize {
		return nil
	}

	best := 0
	for i := range results {
		if metricRate(results[i], t.WinnerMetric) > metricRate(results[best], t.WinnerMetric) {
			best = i
		}
	}
	confidence := results[best].Confidence
	if confidence < t.ConfidenceLevel*100 {
		return nil
	}

	now := e.now()
	t.WinnerID = results[best].VariantID
	t.Status = domain.ABTestCompleted
	t.CompletedAt = &now
	if err := e.store.UpdateABTest(ctx, t); err != nil {
		return fmt.Errorf("update test: %w", err)
	}
	e.log.Info("winner declared",
		"test_id", t.ID,
		"variant_id", t.WinnerID,
		"metric", string(t.WinnerMetric),
		"confidence", fmt.Sprintf("%.1f", confidence))
	return nil
}

// scaledConfidence turns the gap between the candidate rate and the mean
// of the others into a 0–99.9 percentage, weighted by sample size.
func scaledConfidence(bestRate, otherMean float64, sampleSize int) float64 {
	if bestRate <= otherMean || sampleSize <= 0 {
		return 0
	}
	pooled := (bestRate + otherMean) / 2
	variance := pooled * (1 - pooled)
	if variance <= 0 {
		return 99.9
	}
	z := (bestRate - otherMean) / math.Sqrt(variance/float64(sampleSize))
	conf := (1 - math.Exp(-z/2)) * 100
	if conf > 99.9 {
		conf = 99.9
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}
