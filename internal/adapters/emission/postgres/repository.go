package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"3tcapital/ms_nfse_emissor/internal/core/emission"
	"3tcapital/ms_nfse_emissor/internal/core/nfse"
)

// Repository implements emission.Repository on PostgreSQL. DPS numbers come
// from the nfse_dps_number_seq sequence, so they never repeat even when an
// attempt fails.
type Repository struct {
	pool *pgxpool.Pool
}

var _ emission.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL emission repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const selectColumns = `
	id, order_id, status, COALESCE(access_key, ''), COALESCE(dps_number, 0),
	COALESCE(dps_identifier, ''), environment, COALESCE(xml, ''), COALESCE(signed_xml, ''),
	COALESCE(response, ''), COALESCE(error_code, ''), COALESCE(error_message, ''),
	attempts, last_attempt_at, emitted_at, cancelled_at, COALESCE(cancel_reason, ''),
	created_at, updated_at`

func scanEmission(row pgx.Row) (*emission.Emission, error) {
	var e emission.Emission
	err := row.Scan(
		&e.ID,
		&e.OrderID,
		&e.Status,
		&e.AccessKey,
		&e.DPSNumber,
		&e.DPSIdentifier,
		&e.Environment,
		&e.XML,
		&e.SignedXML,
		&e.Response,
		&e.ErrorCode,
		&e.ErrorMessage,
		&e.Attempts,
		&e.LastAttemptAt,
		&e.EmittedAt,
		&e.CancelledAt,
		&e.CancelReason,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// MarkPending creates the record or moves an error record back to pending.
func (r *Repository) MarkPending(ctx context.Context, orderID int64, environment string) error {
	query := `
		INSERT INTO nfse_emissions (order_id, status, environment)
		VALUES ($1, 'pending', $2)
		ON CONFLICT (order_id) DO UPDATE
		SET status = 'pending', updated_at = NOW()
		WHERE nfse_emissions.status = 'error'
	`
	if _, err := r.pool.Exec(ctx, query, orderID, environment); err != nil {
		return fmt.Errorf("mark emission pending: %w", err)
	}
	return nil
}

// BeginAttempt locks the order's row for the duration of the transaction so
// that the success check, the attempt counter and the DPS number allocation
// happen atomically.
func (r *Repository) BeginAttempt(ctx context.Context, req emission.AttemptRequest) (*emission.Emission, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO nfse_emissions (order_id, status, environment)
		VALUES ($1, 'pending', $2)
		ON CONFLICT (order_id) DO NOTHING
	`, req.OrderID, req.Environment)
	if err != nil {
		return nil, fmt.Errorf("ensure emission record: %w", err)
	}

	var status emission.Status
	var accessKey string
	err = tx.QueryRow(ctx, `
		SELECT status, COALESCE(access_key, '')
		FROM nfse_emissions
		WHERE order_id = $1
		FOR UPDATE
	`, req.OrderID).Scan(&status, &accessKey)
	if err != nil {
		return nil, fmt.Errorf("lock emission record: %w", err)
	}

	if !req.Force && (status == emission.StatusSuccess || status == emission.StatusCancelled || accessKey != "") {
		return nil, &nfse.AlreadyEmittedError{OrderID: req.OrderID, AccessKey: accessKey}
	}

	row := tx.QueryRow(ctx, `
		UPDATE nfse_emissions SET
			status = 'processing',
			attempts = attempts + 1,
			last_attempt_at = $2,
			environment = $3,
			dps_number = nextval('nfse_dps_number_seq'),
			error_code = NULL,
			error_message = NULL,
			updated_at = NOW()
		WHERE order_id = $1
		RETURNING `+selectColumns,
		req.OrderID, req.StartedAt, req.Environment,
	)
	e, err := scanEmission(row)
	if err != nil {
		return nil, fmt.Errorf("start emission attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return e, nil
}

// MarkSuccess stores the accepted document.
func (r *Repository) MarkSuccess(ctx context.Context, orderID int64, u emission.SuccessUpdate) error {
	query := `
		UPDATE nfse_emissions SET
			status = 'success',
			access_key = $2,
			dps_number = $3,
			dps_identifier = $4,
			xml = $5,
			signed_xml = $6,
			response = $7,
			emitted_at = $8,
			error_code = NULL,
			error_message = NULL,
			cancelled_at = NULL,
			cancel_reason = NULL,
			updated_at = NOW()
		WHERE order_id = $1
	`
	tag, err := r.pool.Exec(ctx, query,
		orderID,
		u.AccessKey,
		u.DPSNumber,
		u.DPSIdentifier,
		u.XML,
		u.SignedXML,
		u.Response,
		u.EmittedAt,
	)
	if err != nil {
		return fmt.Errorf("mark emission success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return emission.ErrNotFound
	}
	return nil
}

// MarkError stores the failing stage's code and message. Records emitted
// before go back to their issued state.
func (r *Repository) MarkError(ctx context.Context, orderID int64, u emission.ErrorUpdate) error {
	query := `
		UPDATE nfse_emissions SET
			status = CASE
				WHEN emitted_at IS NOT NULL AND cancelled_at IS NOT NULL THEN 'cancelled'
				WHEN emitted_at IS NOT NULL THEN 'success'
				ELSE 'error'
			END,
			access_key = COALESCE(NULLIF($4, ''), access_key),
			error_code = $2,
			error_message = $3,
			updated_at = NOW()
		WHERE order_id = $1
	`
	tag, err := r.pool.Exec(ctx, query, orderID, u.Code, u.Message, u.AccessKey)
	if err != nil {
		return fmt.Errorf("mark emission error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return emission.ErrNotFound
	}
	return nil
}

// MarkCancelled moves a success record to cancelled.
func (r *Repository) MarkCancelled(ctx context.Context, orderID int64, u emission.CancelUpdate) error {
	query := `
		UPDATE nfse_emissions SET
			status = 'cancelled',
			cancelled_at = $2,
			cancel_reason = $3,
			response = $4,
			updated_at = NOW()
		WHERE order_id = $1 AND status = 'success'
	`
	tag, err := r.pool.Exec(ctx, query, orderID, u.CancelledAt, u.Reason, u.Response)
	if err != nil {
		return fmt.Errorf("mark emission cancelled: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.FindByOrderID(ctx, orderID)
	if err != nil {
		return err
	}
	return fmt.Errorf("order %d is %s: %w", orderID, current.Status, nfse.ErrNotCancellable)
}

// FindByOrderID returns emission.ErrNotFound when the order has no record.
func (r *Repository) FindByOrderID(ctx context.Context, orderID int64) (*emission.Emission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM nfse_emissions WHERE order_id = $1`, orderID)
	e, err := scanEmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, emission.ErrNotFound
		}
		return nil, fmt.Errorf("find emission by order: %w", err)
	}
	return e, nil
}

// FindByAccessKey returns emission.ErrNotFound for unknown keys.
func (r *Repository) FindByAccessKey(ctx context.Context, accessKey string) (*emission.Emission, error) {
	if accessKey == "" {
		return nil, emission.ErrNotFound
	}
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM nfse_emissions WHERE access_key = $1`, accessKey)
	e, err := scanEmission(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, emission.ErrNotFound
		}
		return nil, fmt.Errorf("find emission by access key: %w", err)
	}
	return e, nil
}

// Stats counts records whose last attempt falls in [from, to).
func (r *Repository) Stats(ctx context.Context, from, to time.Time) (emission.Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'success'),
			COUNT(*) FILTER (WHERE status = 'error'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(SUM(attempts), 0)
		FROM nfse_emissions
		WHERE last_attempt_at >= $1 AND last_attempt_at < $2
	`
	var s emission.Stats
	err := r.pool.QueryRow(ctx, query, from, to).Scan(
		&s.Total,
		&s.Pending,
		&s.Processing,
		&s.Success,
		&s.Error,
		&s.Cancelled,
		&s.Attempts,
	)
	if err != nil {
		return emission.Stats{}, fmt.Errorf("emission stats: %w", err)
	}
	return s, nil
}
