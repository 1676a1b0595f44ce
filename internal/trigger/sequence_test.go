package trigger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
	"github.com/tdmboyd-dev/TIME-sub002/internal/scheduler"
	"github.com/tdmboyd-dev/TIME-sub002/internal/storage"
)

type deliveredStep struct {
	userID     string
	email      string
	subject    string
	templateID string
}

// newSequenceHarness wires a sequence engine to a recording deliver func.
func newSequenceHarness(t *testing.T) (*SequenceEngine, *storage.Memory, *scheduler.FakeClock, *[]deliveredStep) {
	t.Helper()
	mem := storage.NewMemory()
	clock := scheduler.NewFakeClock(start)
	eng := NewSequenceEngine(mem, 30*time.Second, WithSequenceClock(clock.Now))

	var delivered []deliveredStep
	eng.deliver = func(_ context.Context, _ *domain.TriggerConfig, userID, email, subject, templateID string, _ map[string]any) error {
		delivered = append(delivered, deliveredStep{userID, email, subject, templateID})
		return nil
	}
	return eng, mem, clock, &delivered
}

func onboardingSequence() *domain.Sequence {
	return &domain.Sequence{
		ID:   "seq-onboarding",
		Name: "onboarding drip",
		Steps: []domain.SequenceStep{
			{TemplateID: "tpl-step", Subject: "Day 0: get started", DelayHours: 0},
			{TemplateID: "tpl-step", Subject: "Day 1: fund your account", DelayHours: 24},
			{TemplateID: "tpl-step", Subject: "Day 3: place your first trade", DelayHours: 48},
		},
		Enabled: true,
	}
}

func TestCreateSequenceValidation(t *testing.T) {
	eng, _, _, _ := newSequenceHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		seq  *domain.Sequence
		ok   bool
	}{
		{"valid", onboardingSequence(), true},
		{"no steps", &domain.Sequence{Name: "empty"}, false},
		{"missing template", &domain.Sequence{Steps: []domain.SequenceStep{{Subject: "hi"}}}, false},
		{"negative delay", &domain.Sequence{Steps: []domain.SequenceStep{
			{TemplateID: "tpl-step", DelayHours: -1},
		}}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := eng.CreateSequence(ctx, tc.seq)
			if tc.ok {
				require.NoError(t, err)
				assert.NotEmpty(t, tc.seq.ID)
				assert.False(t, tc.seq.CreatedAt.IsZero())
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnrollSchedulesFirstStep(t *testing.T) {
	eng, mem, _, _ := newSequenceHarness(t)
	ctx := context.Background()

	seq := onboardingSequence()
	require.NoError(t, eng.CreateSequence(ctx, seq))
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-1", "u1@example.com"))

	due, err := mem.ListDueSequenceRuns(ctx, start, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 0, due[0].CurrentStep)
	assert.Equal(t, domain.SequenceRunning, due[0].Status)
	require.NotNil(t, due[0].NextRunAt)
	assert.Equal(t, start, *due[0].NextRunAt, "first step with zero delay is due immediately")
}

func TestEnrollDisabledSequenceFails(t *testing.T) {
	eng, _, _, _ := newSequenceHarness(t)
	ctx := context.Background()

	seq := onboardingSequence()
	seq.Enabled = false
	require.NoError(t, eng.CreateSequence(ctx, seq))
	assert.Error(t, eng.Enroll(ctx, seq.ID, "u-1", "u1@example.com"))
}

func TestEnrollIsIdempotentPerUser(t *testing.T) {
	eng, mem, _, _ := newSequenceHarness(t)
	ctx := context.Background()

	seq := onboardingSequence()
	require.NoError(t, eng.CreateSequence(ctx, seq))
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-1", "u1@example.com"))
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-1", "u1@example.com"))

	due, err := mem.ListDueSequenceRuns(ctx, start, 10)
	require.NoError(t, err)
	assert.Len(t, due, 1, "second enrollment is skipped")
}

func TestTickAdvancesStepsOverTime(t *testing.T) {
	eng, mem, clock, delivered := newSequenceHarness(t)
	ctx := context.Background()

	seq := onboardingSequence()
	require.NoError(t, eng.CreateSequence(ctx, seq))
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-1", "u1@example.com"))

	// Step 0 is due at enrollment.
	require.NoError(t, eng.Tick(ctx))
	require.Len(t, *delivered, 1)
	assert.Equal(t, "Day 0: get started", (*delivered)[0].subject)
	assert.Equal(t, "u1@example.com", (*delivered)[0].email)

	// Nothing else is due until the next step's delay elapses.
	require.NoError(t, eng.Tick(ctx))
	assert.Len(t, *delivered, 1)

	clock.Advance(24 * time.Hour)
	require.NoError(t, eng.Tick(ctx))
	require.Len(t, *delivered, 2)
	assert.Equal(t, "Day 1: fund your account", (*delivered)[1].subject)

	clock.Advance(48 * time.Hour)
	require.NoError(t, eng.Tick(ctx))
	require.Len(t, *delivered, 3)
	assert.Equal(t, "Day 3: place your first trade", (*delivered)[2].subject)

	// The run is complete; no further ticks deliver anything.
	clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, eng.Tick(ctx))
	assert.Len(t, *delivered, 3)

	due, err := mem.ListDueSequenceRuns(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCompletedRunBlocksReEnrollment(t *testing.T) {
	eng, _, clock, delivered := newSequenceHarness(t)
	ctx := context.Background()

	seq := &domain.Sequence{
		ID:      "seq-short",
		Steps:   []domain.SequenceStep{{TemplateID: "tpl-step", Subject: "only step"}},
		Enabled: true,
	}
	require.NoError(t, eng.CreateSequence(ctx, seq))
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-1", "u1@example.com"))
	require.NoError(t, eng.Tick(ctx))
	require.Len(t, *delivered, 1)

	// Completion still counts as "already ran this sequence".
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-1", "u1@example.com"))
	clock.Advance(time.Hour)
	require.NoError(t, eng.Tick(ctx))
	assert.Len(t, *delivered, 1)
}

func TestFailedStepMarksRunFailed(t *testing.T) {
	eng, mem, clock, _ := newSequenceHarness(t)
	ctx := context.Background()

	eng.deliver = func(context.Context, *domain.TriggerConfig, string, string, string, string, map[string]any) error {
		return fmt.Errorf("provider down")
	}

	seq := onboardingSequence()
	require.NoError(t, eng.CreateSequence(ctx, seq))
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-1", "u1@example.com"))
	require.NoError(t, eng.Tick(ctx), "per-run failures do not fail the tick")

	// The failed run is out of the due set for good.
	clock.Advance(7 * 24 * time.Hour)
	due, err := mem.ListDueSequenceRuns(ctx, clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestFailureIsolationAcrossRuns(t *testing.T) {
	eng, _, _, _ := newSequenceHarness(t)
	ctx := context.Background()

	var delivered []deliveredStep
	eng.deliver = func(_ context.Context, _ *domain.TriggerConfig, userID, email, subject, templateID string, _ map[string]any) error {
		if email == "bad@example.com" {
			return fmt.Errorf("mailbox unavailable")
		}
		delivered = append(delivered, deliveredStep{userID, email, subject, templateID})
		return nil
	}

	seq := onboardingSequence()
	require.NoError(t, eng.CreateSequence(ctx, seq))
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-bad", "bad@example.com"))
	require.NoError(t, eng.Enroll(ctx, seq.ID, "u-good", "good@example.com"))

	require.NoError(t, eng.Tick(ctx))
	require.Len(t, delivered, 1)
	assert.Equal(t, "good@example.com", delivered[0].email)
}

func TestTriggerEnrollsSequenceEvenWhenSendFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seq := onboardingSequence()
	require.NoError(t, f.sequences.CreateSequence(ctx, seq))

	f.sender.FailFor("a@b.com", "mailbox unavailable")

	cfg := welcomeTrigger()
	cfg.SequenceID = seq.ID
	require.NoError(t, f.dispatcher.RegisterTrigger(ctx, cfg))
	require.NoError(t, f.dispatcher.FireEvent(ctx, signupEvent("a@b.com")))

	entries := f.dispatcher.LogEntries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Sent)

	exists, err := f.store.ExistsSequenceRun(ctx, "u-1", seq.ID)
	require.NoError(t, err)
	assert.True(t, exists, "enrollment is independent of the send outcome")
}
