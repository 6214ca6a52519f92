package payment

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/cryptonexus/payengine/internal/money"
)

// PostgresStore persists payment destinations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed destination store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Destination) error {
	txJSON, err := json.Marshal(d.Transactions)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payment_destinations (
			id, order_id, currency, address,
			expected_amount, received_amount,
			confirmations, required_confirmations,
			status, expires_at, confirmed_at, paid_notified,
			transactions, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(30,8), $6::NUMERIC(30,8),
			$7, $8,
			$9, $10, $11, $12,
			$13, $14, $15
		)`,
		d.ID, d.OrderID, d.Currency, d.Address,
		d.ExpectedAmount.String(), d.ReceivedAmount.String(),
		d.Confirmations, d.RequiredConfirmations,
		string(d.Status), d.ExpiresAt, nullTime(d.ConfirmedAt), d.PaidNotified,
		txJSON, d.CreatedAt, d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		// Unique violation on the partial address index.
		return ErrAddressTaken
	}
	return err
}

const destinationColumns = `id, order_id, currency, address,
		       expected_amount, received_amount,
		       confirmations, required_confirmations,
		       status, expires_at, confirmed_at, paid_notified,
		       transactions, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Destination, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+destinationColumns+` FROM payment_destinations WHERE id = $1`, id)
	d, err := scanDestination(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Destination, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+destinationColumns+` FROM payment_destinations WHERE order_id = $1`, orderID)
	d, err := scanDestination(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Destination) error {
	txJSON, err := json.Marshal(d.Transactions)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_destinations SET
			received_amount = $1::NUMERIC(30,8),
			confirmations = $2, status = $3,
			confirmed_at = $4, paid_notified = $5,
			transactions = $6, updated_at = $7
		WHERE id = $8`,
		d.ReceivedAmount.String(),
		d.Confirmations, string(d.Status),
		nullTime(d.ConfirmedAt), d.PaidNotified,
		txJSON, d.UpdatedAt,
		d.ID,
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

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*Destination, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+destinationColumns+`
		FROM payment_destinations
		WHERE status IN ('pending', 'partial') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDestination(row rowScanner) (*Destination, error) {
	var (
		d           Destination
		expected    string
		received    string
		status      string
		confirmedAt sql.NullTime
		txJSON      []byte
	)
	err := row.Scan(
		&d.ID, &d.OrderID, &d.Currency, &d.Address,
		&expected, &received,
		&d.Confirmations, &d.RequiredConfirmations,
		&status, &d.ExpiresAt, &confirmedAt, &d.PaidNotified,
		&txJSON, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if d.ExpectedAmount, err = money.Parse(expected); err != nil {
		return nil, err
	}
	if d.ReceivedAmount, err = money.Parse(received); err != nil {
		return nil, err
	}
	d.Status = Status(status)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		d.ConfirmedAt = &t
	}
	d.Transactions = make(map[string]*Tx)
	if len(txJSON) > 0 {
		if err := json.Unmarshal(txJSON, &d.Transactions); err != nil {
			return nil, err
		}
	}
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
