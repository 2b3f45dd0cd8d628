// Package audit implements domain.AuditStore: an append-only log of
// accepted vouchers, purely observational and never consulted by the
// voucher engine. A narrow, single-purpose store wrapping a pgxpool.Pool.
package audit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store logs accepted vouchers to the audit_log table, stamping each row
// with a random id so log shipping/dedup downstream doesn't need to rely on
// (channel_id, sequence_number) uniqueness.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// LogSettle appends one row recording an accepted voucher.
func (s *Store) LogSettle(ctx context.Context, channelID string, sequenceNumber uint64, receiver, amount, purpose string) error {
	const query = `
		INSERT INTO audit_log (id, channel_id, sequence_number, receiver, amount, purpose)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, query, uuid.NewString(), channelID, sequenceNumber, receiver, amount, purpose); err != nil {
		return fmt.Errorf("audit: log settle %s seq=%d: %w", channelID, sequenceNumber, err)
	}
	return nil
}
