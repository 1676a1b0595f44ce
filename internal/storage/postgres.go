package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tdmboyd-dev/TIME-sub002/internal/domain"
)

// Postgres implements Store on database/sql. Rule trees, variant lists,
// and sequence steps are stored as JSONB columns; everything else maps to
// plain columns.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open *sql.DB.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Open connects to Postgres and configures the pool.
func Open(url string, maxOpen, maxIdle int) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// DB exposes the underlying handle for migrations and health checks.
func (p *Postgres) DB() *sql.DB { return p.db }

// ---- SegmentStore ----

func (p *Postgres) CreateSegment(ctx context.Context, s *domain.Segment) error {
	rootJSON, err := json.Marshal(s.Root)
	if err != nil {
		return fmt.Errorf("marshal segment root: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO segments (id, name, description, root, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Name, s.Description, rootJSON, s.CreatedAt, s.UpdatedAt)
	return err
}

func (p *Postgres) GetSegment(ctx context.Context, id string) (*domain.Segment, error) {
	var s domain.Segment
	var rootJSON []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(description,''), root, created_at, updated_at
		FROM segments WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.Description, &rootJSON, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(rootJSON, &s.Root); err != nil {
		return nil, fmt.Errorf("unmarshal segment root: %w", err)
	}
	return &s, nil
}

func (p *Postgres) UpdateSegment(ctx context.Context, s *domain.Segment) error {
	rootJSON, err := json.Marshal(s.Root)
	if err != nil {
		return fmt.Errorf("marshal segment root: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE segments SET name=$1, description=$2, root=$3, updated_at=NOW() WHERE id = $4`,
		s.Name, s.Description, rootJSON, s.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteSegment(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM segments WHERE id = $1`, id)
	return err
}

func (p *Postgres) ListSegments(ctx context.Context) ([]domain.Segment, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(description,''), root, created_at, updated_at
		FROM segments ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Segment
	for rows.Next() {
		var s domain.Segment
		var rootJSON []byte
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &rootJSON, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(rootJSON, &s.Root); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---- TriggerStore ----

func (p *Postgres) CreateTrigger(ctx context.Context, t *domain.TriggerConfig) error {
	condJSON, err := json.Marshal(t.Conditions)
	if err != nil {
		return fmt.Errorf("marshal trigger conditions: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO trigger_configs
		(id, event, template_id, subject, delay_minutes, conditions, segment_id, sequence_id, ab_test_id, campaign_id, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Event, t.TemplateID, t.Subject, t.DelayMinutes, condJSON,
		t.SegmentID, t.SequenceID, t.ABTestID, t.CampaignID, t.Enabled, t.CreatedAt)
	return err
}

func (p *Postgres) GetTrigger(ctx context.Context, id string) (*domain.TriggerConfig, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, event, template_id, subject, delay_minutes, conditions,
		        COALESCE(segment_id,''), COALESCE(sequence_id,''), COALESCE(ab_test_id,''), COALESCE(campaign_id,''),
		        enabled, created_at
		FROM trigger_configs WHERE id = $1`, id)
	t, err := scanTrigger(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func (p *Postgres) ListTriggersByEvent(ctx context.Context, event string) ([]domain.TriggerConfig, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, event, template_id, subject, delay_minutes, conditions,
		        COALESCE(segment_id,''), COALESCE(sequence_id,''), COALESCE(ab_test_id,''), COALESCE(campaign_id,''),
		        enabled, created_at
		FROM trigger_configs WHERE event = $1 ORDER BY created_at`, event)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TriggerConfig
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrigger(row rowScanner) (*domain.TriggerConfig, error) {
	var t domain.TriggerConfig
	var condJSON []byte
	err := row.Scan(&t.ID, &t.Event, &t.TemplateID, &t.Subject, &t.DelayMinutes, &condJSON,
		&t.SegmentID, &t.SequenceID, &t.ABTestID, &t.CampaignID, &t.Enabled, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(condJSON) > 0 {
		if err := json.Unmarshal(condJSON, &t.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal trigger conditions: %w", err)
		}
	}
	return &t, nil
}

func (p *Postgres) UpdateTrigger(ctx context.Context, t *domain.TriggerConfig) error {
	condJSON, err := json.Marshal(t.Conditions)
	if err != nil {
		return fmt.Errorf("marshal trigger conditions: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE trigger_configs
		SET event=$1, template_id=$2, subject=$3, delay_minutes=$4, conditions=$5,
		    segment_id=$6, sequence_id=$7, ab_test_id=$8, campaign_id=$9, enabled=$10
		WHERE id = $11`,
		t.Event, t.TemplateID, t.Subject, t.DelayMinutes, condJSON,
		t.SegmentID, t.SequenceID, t.ABTestID, t.CampaignID, t.Enabled, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeleteTrigger(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM trigger_configs WHERE id = $1`, id)
	return err
}

// ---- ABTestStore ----

func (p *Postgres) CreateABTest(ctx context.Context, t *domain.ABTest) error {
	variantsJSON, err := json.Marshal(t.Variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO ab_tests
		(id, name, campaign_id, variants, status, winner_metric, minimum_sample_size, confidence_level, winner_id, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Name, t.CampaignID, variantsJSON, t.Status, t.WinnerMetric,
		t.MinimumSampleSize, t.ConfidenceLevel, t.WinnerID, t.CreatedAt, t.CompletedAt)
	return err
}

func (p *Postgres) GetABTest(ctx context.Context, id string) (*domain.ABTest, error) {
	var t domain.ABTest
	var variantsJSON []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(campaign_id,''), variants, status, winner_metric,
		        minimum_sample_size, confidence_level, COALESCE(winner_id,''), created_at, completed_at
		FROM ab_tests WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.CampaignID, &variantsJSON, &t.Status, &t.WinnerMetric,
		&t.MinimumSampleSize, &t.ConfidenceLevel, &t.WinnerID, &t.CreatedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(variantsJSON, &t.Variants); err != nil {
		return nil, fmt.Errorf("unmarshal variants: %w", err)
	}
	return &t, nil
}

func (p *Postgres) UpdateABTest(ctx context.Context, t *domain.ABTest) error {
	variantsJSON, err := json.Marshal(t.Variants)
	if err != nil {
		return fmt.Errorf("marshal variants: %w", err)
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE ab_tests
		SET name=$1, variants=$2, status=$3, winner_metric=$4, minimum_sample_size=$5,
		    confidence_level=$6, winner_id=$7, completed_at=$8
		WHERE id = $9`,
		t.Name, variantsJSON, t.Status, t.WinnerMetric, t.MinimumSampleSize,
		t.ConfidenceLevel, t.WinnerID, t.CompletedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- SuppressionStore ----

func (p *Postgres) UpsertSuppression(ctx context.Context, e *domain.SuppressionEntry) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO suppression_entries (email, reason, bounce_count, first_bounce, last_bounce, suppressed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE
		SET reason = EXCLUDED.reason, bounce_count = EXCLUDED.bounce_count, last_bounce = EXCLUDED.last_bounce`,
		e.Email, e.Reason, e.BounceCount, e.FirstBounce, e.LastBounce, e.SuppressedAt)
	return err
}

func (p *Postgres) GetSuppression(ctx context.Context, email string) (*domain.SuppressionEntry, error) {
	var e domain.SuppressionEntry
	err := p.db.QueryRowContext(ctx,
		`SELECT email, reason, bounce_count, first_bounce, last_bounce, suppressed_at
		FROM suppression_entries WHERE email = $1`, email,
	).Scan(&e.Email, &e.Reason, &e.BounceCount, &e.FirstBounce, &e.LastBounce, &e.SuppressedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) DeleteSuppression(ctx context.Context, email string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM suppression_entries WHERE email = $1`, email)
	return err
}

func (p *Postgres) ListSuppressions(ctx context.Context) ([]domain.SuppressionEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT email, reason, bounce_count, first_bounce, last_bounce, suppressed_at
		FROM suppression_entries ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SuppressionEntry
	for rows.Next() {
		var e domain.SuppressionEntry
		if err := rows.Scan(&e.Email, &e.Reason, &e.BounceCount, &e.FirstBounce, &e.LastBounce, &e.SuppressedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertSoftBounce(ctx context.Context, t *domain.SoftBounceTracker) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO soft_bounce_trackers (email, count, first_bounce_at, last_bounce_at, next_retry_at, retry_attempts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE
		SET count = EXCLUDED.count, first_bounce_at = EXCLUDED.first_bounce_at,
		    last_bounce_at = EXCLUDED.last_bounce_at, next_retry_at = EXCLUDED.next_retry_at,
		    retry_attempts = EXCLUDED.retry_attempts`,
		t.Email, t.Count, t.FirstBounceAt, t.LastBounceAt, t.NextRetryAt, t.RetryAttempts)
	return err
}

func (p *Postgres) GetSoftBounce(ctx context.Context, email string) (*domain.SoftBounceTracker, error) {
	var t domain.SoftBounceTracker
	err := p.db.QueryRowContext(ctx,
		`SELECT email, count, first_bounce_at, last_bounce_at, next_retry_at, retry_attempts
		FROM soft_bounce_trackers WHERE email = $1`, email,
	).Scan(&t.Email, &t.Count, &t.FirstBounceAt, &t.LastBounceAt, &t.NextRetryAt, &t.RetryAttempts)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) DeleteSoftBounce(ctx context.Context, email string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM soft_bounce_trackers WHERE email = $1`, email)
	return err
}

// ---- ScheduledEmailStore ----

func (p *Postgres) CreateScheduledEmail(ctx context.Context, e *domain.ScheduledEmail) error {
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO scheduled_emails
		(id, trigger_id, user_id, email, subject, template_id, metadata, send_at, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.TriggerID, e.UserID, e.Email, e.Subject, e.TemplateID, metaJSON,
		e.SendAt, e.Status, e.Error, e.CreatedAt)
	return err
}

func (p *Postgres) GetScheduledEmail(ctx context.Context, id string) (*domain.ScheduledEmail, error) {
	var e domain.ScheduledEmail
	var metaJSON []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, trigger_id, user_id, email, subject, template_id, metadata, send_at, status, COALESCE(error,''), created_at
		FROM scheduled_emails WHERE id = $1`, id,
	).Scan(&e.ID, &e.TriggerID, &e.UserID, &e.Email, &e.Subject, &e.TemplateID, &metaJSON,
		&e.SendAt, &e.Status, &e.Error, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metaJSON) > 0 {
		json.Unmarshal(metaJSON, &e.Metadata)
	}
	return &e, nil
}

func (p *Postgres) UpdateScheduledEmailStatus(ctx context.Context, id string, status domain.ScheduledEmailStatus, errMsg string) error {
	// Status is monotonic: only PENDING rows may transition.
	res, err := p.db.ExecContext(ctx,
		`UPDATE scheduled_emails SET status=$1, error=$2 WHERE id = $3 AND status = $4`,
		status, errMsg, id, domain.SchedulePending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the row is missing or already terminal; distinguish for callers.
		if _, getErr := p.GetScheduledEmail(ctx, id); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ---- SequenceStore ----

func (p *Postgres) CreateSequence(ctx context.Context, s *domain.Sequence) error {
	stepsJSON, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO sequences (id, name, steps, enabled, created_at) VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.Name, stepsJSON, s.Enabled, s.CreatedAt)
	return err
}

func (p *Postgres) GetSequence(ctx context.Context, id string) (*domain.Sequence, error) {
	var s domain.Sequence
	var stepsJSON []byte
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, steps, enabled, created_at FROM sequences WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &stepsJSON, &s.Enabled, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stepsJSON, &s.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return &s, nil
}

func (p *Postgres) CreateSequenceRun(ctx context.Context, r *domain.SequenceRun) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO sequence_runs (id, sequence_id, user_id, email, current_step, status, next_run_at, completed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ID, r.SequenceID, r.UserID, r.Email, r.CurrentStep, r.Status, r.NextRunAt, r.CompletedAt, r.CreatedAt)
	return err
}

func (p *Postgres) UpdateSequenceRun(ctx context.Context, r *domain.SequenceRun) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE sequence_runs SET current_step=$1, status=$2, next_run_at=$3, completed_at=$4 WHERE id = $5`,
		r.CurrentStep, r.Status, r.NextRunAt, r.CompletedAt, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ExistsSequenceRun(ctx context.Context, userID, sequenceID string) (bool, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sequence_runs
		WHERE user_id = $1 AND sequence_id = $2 AND status IN ('running', 'completed')`,
		userID, sequenceID).Scan(&count)
	return count > 0, err
}

func (p *Postgres) ListDueSequenceRuns(ctx context.Context, before time.Time, limit int) ([]domain.SequenceRun, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, sequence_id, user_id, email, current_step, status, next_run_at, completed_at, created_at
		FROM sequence_runs WHERE status = 'running' AND next_run_at <= $1 ORDER BY next_run_at LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SequenceRun
	for rows.Next() {
		var r domain.SequenceRun
		if err := rows.Scan(&r.ID, &r.SequenceID, &r.UserID, &r.Email, &r.CurrentStep, &r.Status, &r.NextRunAt, &r.CompletedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
