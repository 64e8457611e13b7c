package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"3tcapital/ms_nfse_emissor/internal/core/certificate"
)

// Registry implements certificate.Registry on PostgreSQL.
type Registry struct {
	pool *pgxpool.Pool
}

var _ certificate.Registry = (*Registry)(nil)

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

// Activate upserts c and deactivates every other certificate in one transaction.
func (r *Registry) Activate(ctx context.Context, c certificate.Certificate) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE nfse_certificates SET active = FALSE WHERE active AND fingerprint <> $1`, c.Fingerprint); err != nil {
		return fmt.Errorf("deactivate certificates: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO nfse_certificates (
			fingerprint, subject, common_name, issuer, serial_number,
			not_before, not_after, storage_ref, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		ON CONFLICT (fingerprint) DO UPDATE SET
			storage_ref = EXCLUDED.storage_ref,
			active = TRUE
	`,
		c.Fingerprint,
		c.Subject,
		c.CommonName,
		c.Issuer,
		c.SerialNumber,
		c.NotBefore,
		c.NotAfter,
		c.StorageRef,
	)
	if err != nil {
		return fmt.Errorf("upsert certificate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Active returns the active certificate.
func (r *Registry) Active(ctx context.Context) (*certificate.Certificate, error) {
	var c certificate.Certificate
	err := r.pool.QueryRow(ctx, `
		SELECT fingerprint, subject, common_name, issuer, serial_number,
		       not_before, not_after, storage_ref, active, usage_count, last_used_at
		FROM nfse_certificates
		WHERE active
	`).Scan(
		&c.Fingerprint,
		&c.Subject,
		&c.CommonName,
		&c.Issuer,
		&c.SerialNumber,
		&c.NotBefore,
		&c.NotAfter,
		&c.StorageRef,
		&c.Active,
		&c.UsageCount,
		&c.LastUsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, certificate.ErrNoActiveCertificate
		}
		return nil, fmt.Errorf("find active certificate: %w", err)
	}
	return &c, nil
}

// RecordUsage increments the usage counter.
func (r *Registry) RecordUsage(ctx context.Context, fingerprint string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nfse_certificates SET usage_count = usage_count + 1, last_used_at = $2
		WHERE fingerprint = $1
	`, fingerprint, at)
	if err != nil {
		return fmt.Errorf("record certificate usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("certificate %s: %w", fingerprint, certificate.ErrNoActiveCertificate)
	}
	return nil
}
