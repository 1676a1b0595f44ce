package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestGetSegmentNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT .+ FROM segments WHERE id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "root", "created_at", "updated_at"}))

	_, err := store.GetSegment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSegmentUnmarshalsRuleTree(t *testing.T) {
	store, mock := newMockStore(t)
	root := domain.SegmentGroup{
		Operator: domain.LogicAnd,
		Rules: []domain.SegmentRule{
			{Field: "tier", Operator: domain.OpEquals, Value: "pro"},
		},
	}
	rootJSON, err := json.Marshal(root)
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM segments WHERE id`).
		WithArgs("seg-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "root", "created_at", "updated_at"}).
			AddRow("seg-1", "Pro traders", "", rootJSON, now, now))

	seg, err := store.GetSegment(context.Background(), "seg-1")
	require.NoError(t, err)
	assert.Equal(t, "Pro traders", seg.Name)
	require.Len(t, seg.Root.Rules, 1)
	assert.Equal(t, domain.OpEquals, seg.Root.Rules[0].Operator)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateSegmentMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE segments SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateSegment(context.Background(), &domain.Segment{ID: "nope", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListTriggersByEvent(t *testing.T) {
	store, mock := newMockStore(t)
	condJSON, _ := json.Marshal([]domain.TriggerCondition{
		{Field: "plan", Operator: domain.CondEquals, Value: "elite"},
	})
	now := time.Now()

	cols := []string{"id", "event", "template_id", "subject", "delay_minutes", "conditions",
		"segment_id", "sequence_id", "ab_test_id", "campaign_id", "enabled", "created_at"}
	mock.ExpectQuery(`SELECT .+ FROM trigger_configs WHERE event`).
		WithArgs("user.signup").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("trg-1", "user.signup", "tpl-welcome", "Welcome, ${name}!", 0, condJSON, "", "", "", "cmp-1", true, now).
			AddRow("trg-2", "user.signup", "tpl-tips", "Getting started", 60, []byte("[]"), "", "", "", "", true, now.Add(time.Second)))

	triggers, err := store.ListTriggersByEvent(context.Background(), "user.signup")
	require.NoError(t, err)
	require.Len(t, triggers, 2)
	assert.Equal(t, "trg-1", triggers[0].ID)
	require.Len(t, triggers[0].Conditions, 1)
	assert.Equal(t, domain.CondEquals, triggers[0].Conditions[0].Operator)
	assert.Equal(t, 60, triggers[1].DelayMinutes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScheduledEmailStatusOnlyTouchesPending(t *testing.T) {
	store, mock := newMockStore(t)

	// The WHERE clause pins status = PENDING so terminal rows never flip.
	mock.ExpectExec(`UPDATE scheduled_emails SET status`).
		WithArgs(string(domain.ScheduleSent), "", "sch-1", string(domain.SchedulePending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.UpdateScheduledEmailStatus(context.Background(), "sch-1", domain.ScheduleSent, "")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateScheduledEmailStatusTerminalRowIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE scheduled_emails SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// Zero rows affected falls back to a lookup to tell terminal from missing.
	now := time.Now()
	mock.ExpectQuery(`SELECT .+ FROM scheduled_emails WHERE id`).
		WithArgs("sch-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "trigger_id", "user_id", "email", "subject",
			"template_id", "metadata", "send_at", "status", "error", "created_at"}).
			AddRow("sch-1", "trg-1", "u-1", "a@b.co", "hi", "tpl", []byte("{}"), now, string(domain.ScheduleCancelled), "", now))

	err := store.UpdateScheduledEmailStatus(context.Background(), "sch-1", domain.ScheduleSent, "")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistsSequenceRun(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM sequence_runs`).
		WithArgs("u-1", "seq-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	exists, err := store.ExistsSequenceRun(context.Background(), "u-1", "seq-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestListDueSequenceRuns(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	next := now.Add(-time.Minute)
	cols := []string{"id", "sequence_id", "user_id", "email", "current_step", "status",
		"next_run_at", "completed_at", "created_at"}
	mock.ExpectQuery(`SELECT .+ FROM sequence_runs WHERE status = 'running'`).
		WithArgs(now, 50).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("run-1", "seq-1", "u-1", "a@b.co", 0, string(domain.SequenceRunning), next, nil, now))

	runs, err := store.ListDueSequenceRuns(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 0, runs[0].CurrentStep)
	assert.NoError(t, mock.ExpectationsWereMet())
}
