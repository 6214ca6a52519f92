package order

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cryptonexus/payengine/internal/money"
	"github.com/cryptonexus/payengine/internal/pagination"
)

// PostgresStore persists orders and dispute cases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_ref, vendor_ref, product_ref,
			quantity, unit_price, total_amount, currency, use_escrow,
			status, payment_status, payment_address, payment_expires_at,
			dispute_reason,
			created_at, updated_at, confirmed_at, delivered_at, closed_at,
			version
		) VALUES (
			$1, $2, $3, $4,
			$5, $6::NUMERIC(30,8), $7::NUMERIC(30,8), $8, $9,
			$10, $11, $12, $13,
			$14,
			$15, $16, $17, $18, $19,
			$20
		)`,
		o.ID, o.BuyerRef, o.VendorRef, o.ProductRef,
		o.Quantity, o.UnitPrice.String(), o.TotalAmount.String(), o.Currency, o.UseEscrow,
		string(o.Status), o.PaymentStatus, nullString(o.PaymentAddress), nullTime(o.PaymentExpiresAt),
		nullString(o.DisputeReason),
		o.CreatedAt, o.UpdatedAt, nullTime(o.ConfirmedAt), nullTime(o.DeliveredAt), nullTime(o.ClosedAt),
		o.Version,
	)
	return err
}

const orderColumns = `id, buyer_ref, vendor_ref, product_ref,
		       quantity, unit_price, total_amount, currency, use_escrow,
		       status, payment_status, payment_address, payment_expires_at,
		       dispute_reason,
		       created_at, updated_at, confirmed_at, delivered_at, closed_at,
		       version`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return o, err
}

// Update writes the order guarded by the version column. A zero row count
// against an existing order means someone else wrote first.
func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, payment_status = $2,
			payment_address = $3, payment_expires_at = $4,
			dispute_reason = $5,
			updated_at = $6, confirmed_at = $7, delivered_at = $8, closed_at = $9,
			version = version + 1
		WHERE id = $10 AND version = $11`,
		string(o.Status), o.PaymentStatus,
		nullString(o.PaymentAddress), nullTime(o.PaymentExpiresAt),
		nullString(o.DisputeReason),
		o.UpdatedAt, nullTime(o.ConfirmedAt), nullTime(o.DeliveredAt), nullTime(o.ClosedAt),
		o.ID, o.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, o.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	o.Version++
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerRef string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	return p.list(ctx, `buyer_ref = $1`, buyerRef, cursor, limit)
}

func (p *PostgresStore) ListByVendor(ctx context.Context, vendorRef string, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	return p.list(ctx, `vendor_ref = $1`, vendorRef, cursor, limit)
}

func (p *PostgresStore) list(ctx context.Context, where string, arg any, cursor *pagination.Cursor, limit int) ([]*Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE ` + where
	args := []any{arg}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (p *PostgresStore) ListDeliveredBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = 'delivered' AND delivered_at < $1
		ORDER BY delivered_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *DisputeCase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_cases (
			id, order_id, reason, resolution, release_fraction, opened_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		d.ID, d.OrderID, d.Reason, nullString(d.Resolution),
		d.ReleaseFraction.String(), d.OpenedAt, nullTime(d.ResolvedAt),
	)
	return err
}

func (p *PostgresStore) ActiveDispute(ctx context.Context, orderID string) (*DisputeCase, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, order_id, reason, resolution, release_fraction, opened_at, resolved_at
		FROM dispute_cases
		WHERE order_id = $1 AND resolved_at IS NULL
		ORDER BY opened_at DESC
		LIMIT 1`, orderID)

	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveDispute
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *DisputeCase) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE dispute_cases SET
			resolution = $1, release_fraction = $2, resolved_at = $3
		WHERE id = $4`,
		nullString(d.Resolution), d.ReleaseFraction.String(), nullTime(d.ResolvedAt), d.ID,
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

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o           Order
		unitPrice   string
		totalAmount string
		status      string
		address     sql.NullString
		expiresAt   sql.NullTime
		reason      sql.NullString
		confirmedAt sql.NullTime
		deliveredAt sql.NullTime
		closedAt    sql.NullTime
	)
	err := row.Scan(
		&o.ID, &o.BuyerRef, &o.VendorRef, &o.ProductRef,
		&o.Quantity, &unitPrice, &totalAmount, &o.Currency, &o.UseEscrow,
		&status, &o.PaymentStatus, &address, &expiresAt,
		&reason,
		&o.CreatedAt, &o.UpdatedAt, &confirmedAt, &deliveredAt, &closedAt,
		&o.Version,
	)
	if err != nil {
		return nil, err
	}

	if o.UnitPrice, err = money.Parse(unitPrice); err != nil {
		return nil, err
	}
	if o.TotalAmount, err = money.Parse(totalAmount); err != nil {
		return nil, err
	}
	o.Status = Status(status)
	if address.Valid {
		o.PaymentAddress = address.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		o.PaymentExpiresAt = &t
	}
	if reason.Valid {
		o.DisputeReason = reason.String
	}
	if confirmedAt.Valid {
		t := confirmedAt.Time
		o.ConfirmedAt = &t
	}
	if deliveredAt.Valid {
		t := deliveredAt.Time
		o.DeliveredAt = &t
	}
	if closedAt.Valid {
		t := closedAt.Time
		o.ClosedAt = &t
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func scanDispute(row rowScanner) (*DisputeCase, error) {
	var (
		d          DisputeCase
		resolution sql.NullString
		fraction   string
		resolvedAt sql.NullTime
	)
	err := row.Scan(&d.ID, &d.OrderID, &d.Reason, &resolution, &fraction, &d.OpenedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolution.Valid {
		d.Resolution = resolution.String
	}
	if d.ReleaseFraction, err = decimal.NewFromString(fraction); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
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
