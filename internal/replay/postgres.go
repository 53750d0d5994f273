package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists nonces in ingest_nonces. An expired row for the same
// key is overwritten in place; an unexpired one makes the insert a no-op.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const reserveNonceSQL = `
INSERT INTO ingest_nonces (org_id, device_id, nonce, seen_at, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (org_id, device_id, nonce) DO UPDATE
SET seen_at = EXCLUDED.seen_at, expires_at = EXCLUDED.expires_at
WHERE ingest_nonces.expires_at <= EXCLUDED.seen_at`

func (s *PostgresStore) Reserve(ctx context.Context, id Identity, nonce string, now, expiresAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, reserveNonceSQL, id.OrgID, id.DeviceID, nonce, now.UTC(), expiresAt.UTC())
	if err != nil {
		return false, fmt.Errorf("reserve nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve nonce rows: %w", err)
	}
	return n == 1, nil
}

func (s *PostgresStore) Purge(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingest_nonces WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge nonces: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
