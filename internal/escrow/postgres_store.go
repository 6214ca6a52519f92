package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/cryptonexus/payengine/internal/money"
)

// PostgresStore persists escrow holds in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, h *Hold) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_holds (
			id, order_id, amount, fee,
			status, auto_release_at, resolution,
			release_amount, refund_amount,
			created_at, updated_at, resolved_at
		) VALUES (
			$1, $2, $3::NUMERIC(30,8), $4::NUMERIC(30,8),
			$5, $6, $7,
			$8::NUMERIC(30,8), $9::NUMERIC(30,8),
			$10, $11, $12
		)`,
		h.ID, h.OrderID, h.Amount.String(), h.Fee.String(),
		string(h.Status), h.AutoReleaseAt, nullString(h.Resolution),
		h.ReleaseAmount.String(), h.RefundAmount.String(),
		h.CreatedAt, h.UpdatedAt, nullTime(h.ResolvedAt),
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// Unique index on order_id: one hold per order, ever.
		return ErrAlreadyHeld
	}
	return err
}

const holdColumns = `id, order_id, amount, fee,
		       status, auto_release_at, resolution,
		       release_amount, refund_amount,
		       created_at, updated_at, resolved_at`

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Hold, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+holdColumns+` FROM escrow_holds WHERE order_id = $1`, orderID)
	h, err := scanHold(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return h, err
}

func (p *PostgresStore) Update(ctx context.Context, h *Hold) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_holds SET
			status = $1, resolution = $2,
			release_amount = $3::NUMERIC(30,8), refund_amount = $4::NUMERIC(30,8),
			updated_at = $5, resolved_at = $6
		WHERE order_id = $7`,
		string(h.Status), nullString(h.Resolution),
		h.ReleaseAmount.String(), h.RefundAmount.String(),
		h.UpdatedAt, nullTime(h.ResolvedAt),
		h.OrderID,
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

func (p *PostgresStore) ListDue(ctx context.Context, before time.Time, limit int) ([]*Hold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+holdColumns+`
		FROM escrow_holds
		WHERE status = 'held' AND auto_release_at < $1
		ORDER BY auto_release_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHold(row rowScanner) (*Hold, error) {
	var (
		h          Hold
		amount     string
		fee        string
		status     string
		resolution sql.NullString
		release    string
		refund     string
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&h.ID, &h.OrderID, &amount, &fee,
		&status, &h.AutoReleaseAt, &resolution,
		&release, &refund,
		&h.CreatedAt, &h.UpdatedAt, &resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if h.Amount, err = money.Parse(amount); err != nil {
		return nil, err
	}
	if h.Fee, err = money.Parse(fee); err != nil {
		return nil, err
	}
	if h.ReleaseAmount, err = money.Parse(release); err != nil {
		return nil, err
	}
	if h.RefundAmount, err = money.Parse(refund); err != nil {
		return nil, err
	}
	h.Status = Status(status)
	if resolution.Valid {
		h.Resolution = resolution.String
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		h.ResolvedAt = &t
	}
	return &h, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
