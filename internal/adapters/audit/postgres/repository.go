package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"3tcapital/ms_nfse_emissor/internal/core/audit"
)

// Repository implements audit.Repository on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ audit.Repository = (*Repository)(nil)

// NewRepository creates a PostgreSQL audit repository. log may be nil.
func NewRepository(pool *pgxpool.Pool, log *slog.Logger) *Repository {
	return &Repository{pool: pool, log: log}
}

// Save persists an audit record.
func (r *Repository) Save(ctx context.Context, call audit.APICall) error {
	query := `
		INSERT INTO nfse_api_audit_log (
			correlation_id, service, operation, request_method, request_url,
			request_headers, request_body, response_status, response_headers,
			response_body, duration_ms, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	requestHeaders, err := json.Marshal(call.RequestHeaders)
	if err != nil {
		return fmt.Errorf("marshal request headers: %w", err)
	}
	responseHeaders, err := json.Marshal(call.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal response headers: %w", err)
	}

	_, err = r.pool.Exec(ctx, query,
		call.CorrelationID,
		call.Service,
		call.Operation,
		call.RequestMethod,
		call.RequestURL,
		requestHeaders,
		jsonOrNil(call.RequestBody),
		call.ResponseStatus,
		responseHeaders,
		jsonOrNil(call.ResponseBody),
		call.DurationMs,
		call.ErrorMessage,
	)
	if err != nil {
		if r.log != nil {
			r.log.Error("Failed to insert audit record",
				"correlation_id", call.CorrelationID,
				"service", call.Service,
				"operation", call.Operation,
				"error", err,
			)
		}
		return fmt.Errorf("insert audit record: %w", err)
	}

	if r.log != nil {
		r.log.Debug("Audit record saved",
			"correlation_id", call.CorrelationID,
			"service", call.Service,
			"operation", call.Operation,
			"response_status", call.ResponseStatus,
			"duration_ms", call.DurationMs,
		)
	}
	return nil
}

// jsonOrNil keeps empty and non-JSON bodies out of the JSONB columns.
func jsonOrNil(body json.RawMessage) any {
	if len(body) == 0 || !json.Valid(body) {
		return nil
	}
	return []byte(body)
}

// FindByCorrelationID returns every record with the given correlation id.
func (r *Repository) FindByCorrelationID(ctx context.Context, correlationID string) ([]audit.APICall, error) {
	query := `
		SELECT id, correlation_id, service, operation, request_method, request_url,
		       request_headers, request_body, response_status, response_headers,
		       response_body, duration_ms, COALESCE(error_message, ''), created_at
		FROM nfse_api_audit_log
		WHERE correlation_id = $1
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.pool.Query(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var calls []audit.APICall
	for rows.Next() {
		var call audit.APICall
		var requestHeaders, responseHeaders, requestBody, responseBody []byte

		err := rows.Scan(
			&call.ID,
			&call.CorrelationID,
			&call.Service,
			&call.Operation,
			&call.RequestMethod,
			&call.RequestURL,
			&requestHeaders,
			&requestBody,
			&call.ResponseStatus,
			&responseHeaders,
			&responseBody,
			&call.DurationMs,
			&call.ErrorMessage,
			&call.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}

		if len(requestHeaders) > 0 {
			if err := json.Unmarshal(requestHeaders, &call.RequestHeaders); err != nil {
				return nil, fmt.Errorf("unmarshal request headers: %w", err)
			}
		}
		if len(responseHeaders) > 0 {
			if err := json.Unmarshal(responseHeaders, &call.ResponseHeaders); err != nil {
				return nil, fmt.Errorf("unmarshal response headers: %w", err)
			}
		}
		call.RequestBody = requestBody
		call.ResponseBody = responseBody

		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return calls, nil
}

// DeleteBefore purges records created before the cutoff.
func (r *Repository) DeleteBefore(ctx context.Context, before time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM nfse_api_audit_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete audit records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
