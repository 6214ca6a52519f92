package vault

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists credential records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed credential store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Put(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO credential_records (order_id, payload, revealed_at, created_at)
		VALUES ($1, $2, $3, $4)`,
		r.OrderID, r.Payload, nullTime(r.RevealedAt), r.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadySet
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Record, error) {
	var (
		r          Record
		revealedAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT order_id, payload, revealed_at, created_at
		FROM credential_records WHERE order_id = $1`, orderID,
	).Scan(&r.OrderID, &r.Payload, &revealedAt, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revealedAt.Valid {
		t := revealedAt.Time
		r.RevealedAt = &t
	}
	return &r, nil
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE credential_records SET revealed_at = $1 WHERE order_id = $2`,
		nullTime(r.RevealedAt), r.OrderID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
