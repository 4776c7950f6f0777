package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vantagebank/hookline/internal/model"
)

// Postgres implements Store over pgx. Endpoint secrets are sealed with the
// configured key before they touch disk.
type Postgres struct {
	pool       *pgxpool.Pool
	sealingKey []byte
}

func NewPostgres(pool *pgxpool.Pool, sealingKey []byte) *Postgres {
	return &Postgres{pool: pool, sealingKey: sealingKey}
}

// --- events ---

func (s *Postgres) CreateEvent(ctx context.Context, ev *model.Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hookline.events(id, event_type, payload, user_id, status, attempt_count, next_retry_at, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7, $8)`,
		ev.ID, ev.Type, string(payload), ev.UserID, ev.Status, ev.AttemptCount, ev.NextRetryAt, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

const eventColumns = `id, event_type, payload, user_id, status, attempt_count, next_retry_at, created_at, processed_at`

func scanEvent(row pgx.Row) (*model.Event, error) {
	var (
		ev      model.Event
		payload []byte
		status  string
	)
	err := row.Scan(&ev.ID, &ev.Type, &payload, &ev.UserID, &status,
		&ev.AttemptCount, &ev.NextRetryAt, &ev.CreatedAt, &ev.ProcessedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Status = model.EventStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal event payload: %w", err)
		}
	}
	return &ev, nil
}

func (s *Postgres) GetEvent(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM hookline.events WHERE id = $1`, id)
	return scanEvent(row)
}

func (s *Postgres) ListEvents(ctx context.Context, f EventFilter) ([]*model.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM hookline.events WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, string(f.Status))
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if f.EventType != "" {
		args = append(args, f.EventType)
		q += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*model.Event, error) {
	var out []*model.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ClaimDue flips due pending events to processing in one statement. The
// inner SELECT with FOR UPDATE SKIP LOCKED keeps concurrent sweeps from
// claiming the same rows.
func (s *Postgres) ClaimDue(ctx context.Context, limit int, eventType string, now time.Time) ([]*model.Event, error) {
	q := `
		UPDATE hookline.events
		SET status = 'processing'
		WHERE id IN (
			SELECT id FROM hookline.events
			WHERE status = 'pending'
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)`
	args := []any{now}
	if eventType != "" {
		args = append(args, eventType)
		q += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(`
			ORDER BY created_at
			LIMIT $%d
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns, len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("claim due events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Postgres) ListDue(ctx context.Context, limit int, eventType string, now time.Time) ([]*model.Event, error) {
	q := `SELECT ` + eventColumns + `
		FROM hookline.events
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= $1)`
	args := []any{now}
	if eventType != "" {
		args = append(args, eventType)
		q += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY created_at LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (s *Postgres) ReleasePending(ctx context.Context, id uuid.UUID, attemptCount int, nextRetryAt *time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hookline.events
		SET status = 'pending', attempt_count = $2, next_retry_at = $3
		WHERE id = $1 AND status = 'processing'`,
		id, attemptCount, nextRetryAt,
	)
	return err
}

func (s *Postgres) MarkCompleted(ctx context.Context, id uuid.UUID, attemptCount int, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hookline.events
		SET status = 'completed', attempt_count = $2, processed_at = $3, next_retry_at = NULL
		WHERE id = $1 AND status IN ('pending','processing')`,
		id, attemptCount, at,
	)
	return err
}

func (s *Postgres) MarkFailed(ctx context.Context, id uuid.UUID, attemptCount int, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hookline.events
		SET status = 'failed', attempt_count = $2, processed_at = $3, next_retry_at = NULL
		WHERE id = $1 AND status IN ('pending','processing')`,
		id, attemptCount, at,
	)
	return err
}

func (s *Postgres) CancelEvent(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE hookline.events
		SET status = 'cancelled', processed_at = now()
		WHERE id = $1 AND status IN ('pending','processing')`,
		id,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return err
		}
		return model.ErrAlreadyTerminal
	}
	return nil
}

func (s *Postgres) RequeueEvent(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx, `
		UPDATE hookline.events
		SET status = 'pending', next_retry_at = NULL, processed_at = NULL
		WHERE id = $1 AND status IN ('failed','cancelled')`,
		id,
	)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	// reopen unsucceeded cursors for the manual re-run
	if _, err := tx.Exec(ctx, `
		UPDATE hookline.cursors
		SET done = false, succeeded = false, next_attempt_at = NULL
		WHERE event_id = $1 AND NOT succeeded`,
		id,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM hookline.events WHERE status = 'pending'`).Scan(&n)
	return n, err
}

// --- endpoints ---

func (s *Postgres) CreateEndpoint(ctx context.Context, ep *model.Endpoint) error {
	sealed, err := ep.Secret.Seal(s.sealingKey)
	if err != nil {
		return fmt.Errorf("seal endpoint secret: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hookline.endpoints(
			id, user_id, url, event_types, secret_sealed, active,
			timeout_seconds, max_retries, retry_delay_seconds, notify_email, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ep.ID, ep.UserID, ep.URL, ep.EventTypes, sealed, ep.Active,
		ep.TimeoutSeconds, ep.MaxRetries, ep.RetryDelaySeconds, ep.NotifyEmail, ep.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert endpoint: %w", err)
	}
	return nil
}

const endpointColumns = `id, user_id, url, event_types, secret_sealed, active,
	timeout_seconds, max_retries, retry_delay_seconds, notify_email,
	total_deliveries, successful_deliveries, failed_deliveries, last_used_at, created_at`

func (s *Postgres) scanEndpoint(row pgx.Row) (*model.Endpoint, error) {
	var (
		ep     model.Endpoint
		sealed string
	)
	err := row.Scan(&ep.ID, &ep.UserID, &ep.URL, &ep.EventTypes, &sealed, &ep.Active,
		&ep.TimeoutSeconds, &ep.MaxRetries, &ep.RetryDelaySeconds, &ep.NotifyEmail,
		&ep.TotalDeliveries, &ep.SuccessfulDeliveries, &ep.FailedDeliveries, &ep.LastUsedAt, &ep.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	secret, err := model.OpenSecret(s.sealingKey, sealed)
	if err != nil {
		return nil, fmt.Errorf("open endpoint secret: %w", err)
	}
	ep.Secret = secret
	return &ep, nil
}

func (s *Postgres) GetEndpoint(ctx context.Context, id uuid.UUID) (*model.Endpoint, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+endpointColumns+` FROM hookline.endpoints WHERE id = $1`, id)
	return s.scanEndpoint(row)
}

func (s *Postgres) ListEndpoints(ctx context.Context, userID *uuid.UUID) ([]*model.Endpoint, error) {
	q := `SELECT ` + endpointColumns + ` FROM hookline.endpoints`
	args := []any{}
	if userID != nil {
		q += ` WHERE user_id = $1`
		args = append(args, *userID)
	}
	q += ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEndpoints(rows)
}

func (s *Postgres) ListActiveSubscribed(ctx context.Context, userID *uuid.UUID, eventType string) ([]*model.Endpoint, error) {
	q := `SELECT ` + endpointColumns + `
		FROM hookline.endpoints
		WHERE active AND $1 = ANY(event_types)`
	args := []any{eventType}
	if userID != nil {
		args = append(args, *userID)
		q += fmt.Sprintf(" AND user_id = $%d", len(args))
	}
	q += ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEndpoints(rows)
}

func (s *Postgres) collectEndpoints(rows pgx.Rows) ([]*model.Endpoint, error) {
	var out []*model.Endpoint
	for rows.Next() {
		ep, err := s.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

func (s *Postgres) DeactivateEndpoint(ctx context.Context, id uuid.UUID) error {
	ct, err := s.pool.Exec(ctx, `UPDATE hookline.endpoints SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *Postgres) RecordStatistics(ctx context.Context, id uuid.UUID, success bool, at time.Time) error {
	q := `
		UPDATE hookline.endpoints
		SET total_deliveries = total_deliveries + 1,
		    successful_deliveries = successful_deliveries + CASE WHEN $2 THEN 1 ELSE 0 END,
		    failed_deliveries = failed_deliveries + CASE WHEN $2 THEN 0 ELSE 1 END,
		    last_used_at = $3
		WHERE id = $1`
	_, err := s.pool.Exec(ctx, q, id, success, at)
	return err
}

// --- deliveries ---

func (s *Postgres) CreateDelivery(ctx context.Context, d *model.Delivery) error {
	headers, err := json.Marshal(d.RequestHeaders)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hookline.deliveries(
			id, event_id, endpoint_id, status, request_headers, request_body,
			attempt, is_retry, started_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
		d.ID, d.EventID, d.EndpointID, d.Status, string(headers), d.RequestBody,
		d.Attempt, d.IsRetry, d.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

func (s *Postgres) CompleteDelivery(ctx context.Context, d *model.Delivery) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hookline.deliveries
		SET status = $2, http_status = $3, response_body = $4, error_message = $5,
		    response_time_ms = $6, completed_at = $7
		WHERE id = $1 AND status = 'pending'`,
		d.ID, d.Status, d.HTTPStatus, d.ResponseBody, d.ErrorMessage,
		d.ResponseTimeMS, d.CompletedAt,
	)
	return err
}

func (s *Postgres) ListDeliveries(ctx context.Context, eventID uuid.UUID) ([]*model.Delivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, endpoint_id, status, http_status, response_body,
		       error_message, request_headers, request_body, attempt, is_retry,
		       response_time_ms, started_at, completed_at
		FROM hookline.deliveries
		WHERE event_id = $1
		ORDER BY started_at`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Delivery
	for rows.Next() {
		var (
			d       model.Delivery
			status  string
			headers []byte
		)
		if err := rows.Scan(&d.ID, &d.EventID, &d.EndpointID, &status, &d.HTTPStatus,
			&d.ResponseBody, &d.ErrorMessage, &headers, &d.RequestBody, &d.Attempt,
			&d.IsRetry, &d.ResponseTimeMS, &d.StartedAt, &d.CompletedAt); err != nil {
			return nil, err
		}
		d.Status = model.DeliveryStatus(status)
		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &d.RequestHeaders); err != nil {
				return nil, err
			}
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *Postgres) PurgeDeliveries(ctx context.Context, olderThan time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		DELETE FROM hookline.deliveries
		WHERE completed_at IS NOT NULL AND completed_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// --- cursors ---

func (s *Postgres) EnsureCursors(ctx context.Context, eventID uuid.UUID, endpointIDs []uuid.UUID) error {
	if len(endpointIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, epID := range endpointIDs {
		batch.Queue(`
			INSERT INTO hookline.cursors(event_id, endpoint_id)
			VALUES ($1, $2)
			ON CONFLICT (event_id, endpoint_id) DO NOTHING`,
			eventID, epID)
	}
	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range endpointIDs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("ensure cursor: %w", err)
		}
	}
	return nil
}

func (s *Postgres) ListCursors(ctx context.Context, eventID uuid.UUID) ([]*model.Cursor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, endpoint_id, attempt_count, next_attempt_at, done, succeeded
		FROM hookline.cursors
		WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Cursor
	for rows.Next() {
		var c model.Cursor
		if err := rows.Scan(&c.EventID, &c.EndpointID, &c.AttemptCount,
			&c.NextAttemptAt, &c.Done, &c.Succeeded); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateCursor(ctx context.Context, c *model.Cursor) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE hookline.cursors
		SET attempt_count = $3, next_attempt_at = $4, done = $5, succeeded = $6
		WHERE event_id = $1 AND endpoint_id = $2`,
		c.EventID, c.EndpointID, c.AttemptCount, c.NextAttemptAt, c.Done, c.Succeeded,
	)
	return err
}

// --- templates ---

func (s *Postgres) ActiveTemplate(ctx context.Context, eventType string) (*model.Template, error) {
	var (
		t       model.Template
		payload []byte
		headers []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, event_type, version, payload, headers, active, created_at
		FROM hookline.templates
		WHERE event_type = $1 AND active
		ORDER BY version DESC
		LIMIT 1`,
		eventType,
	).Scan(&t.ID, &t.EventType, &t.Version, &payload, &headers, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &t.Payload); err != nil {
			return nil, err
		}
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &t.Headers); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

func (s *Postgres) UpsertTemplate(ctx context.Context, t *model.Template) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	headers, err := json.Marshal(t.Headers)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var version int
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1 FROM hookline.templates WHERE event_type = $1`,
		t.EventType,
	).Scan(&version); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE hookline.templates SET active = false WHERE event_type = $1 AND active`,
		t.EventType,
	); err != nil {
		return err
	}
	t.Version = version
	if _, err := tx.Exec(ctx, `
		INSERT INTO hookline.templates(id, event_type, version, payload, headers, active, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7)`,
		t.ID, t.EventType, t.Version, string(payload), string(headers), t.Active, t.CreatedAt,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- logs ---

func (s *Postgres) AppendLog(ctx context.Context, e *model.LogEntry) error {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO hookline.logs(id, level, message, detail, endpoint_id, event_id, delivery_id, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8)`,
		e.ID, e.Level, e.Message, string(detail), e.EndpointID, e.EventID, e.DeliveryID, e.CreatedAt,
	)
	return err
}

func (s *Postgres) ListLogs(ctx context.Context, limit int) ([]*model.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, level, message, detail, endpoint_id, event_id, delivery_id, created_at
		FROM hookline.logs
		ORDER BY created_at DESC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.LogEntry
	for rows.Next() {
		var (
			e      model.LogEntry
			detail []byte
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &detail,
			&e.EndpointID, &e.EventID, &e.DeliveryID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- users ---

func (s *Postgres) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	var u User
	err := s.pool.QueryRow(ctx, `SELECT id, email, name FROM hookline.users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
