package pending

import (
	"database/sql"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no pending payment matches the lookup.
var ErrNotFound = errors.New("pending: payment not found")

// Payment is the local record of a checkout session awaiting provider
// confirmation. Exactly one row may exist per cart at a time; the row is
// deleted once reconciliation reaches a terminal outcome.
type Payment struct {
	ID         int64         `json:"id" db:"id"`
	OrderID    sql.NullInt64 `json:"order_id" db:"order_id"`
	CartID     int64         `json:"cart_id" db:"cart_id"`
	PaymentID  string        `json:"payment_id" db:"payment_id"`
	Reference  string        `json:"reference" db:"reference"`
	AmountUnit int64         `json:"amount_unit" db:"amount_unit"`
	CreatedAt  time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" db:"updated_at"`
}

// Store persists pending payments in PostgreSQL.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the store and ensures its schema exists.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		glog.Errorf("Failed to initialize pending payments schema: %v", err)
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pending_payments (
		id BIGSERIAL PRIMARY KEY,
		order_id BIGINT,
		cart_id BIGINT NOT NULL UNIQUE,
		payment_id VARCHAR(255) NOT NULL DEFAULT '',
		reference VARCHAR(255) NOT NULL,
		amount_unit BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_pending_payment_id ON pending_payments(payment_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Create inserts a new pending payment for the cart. The provider payment id
// is not known yet at this point; it is stamped with SetPaymentID once the
// remote payment exists. Fails when the cart already has a pending payment.
func (s *Store) Create(cartID int64, reference string, amountUnit int64) (*Payment, error) {
	p := &Payment{
		CartID:     cartID,
		Reference:  reference,
		AmountUnit: amountUnit,
	}

	query := `
		INSERT INTO pending_payments (cart_id, reference, amount_unit)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRow(query, cartID, reference, amountUnit).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		glog.Errorf("Failed to create pending payment for cart %d: %v", cartID, err)
		return nil, err
	}

	glog.Infof("Created pending payment %d for cart %d, reference %s", p.ID, cartID, reference)
	return p, nil
}

// SetPaymentID stamps the provider payment id onto the pending payment.
func (s *Store) SetPaymentID(id int64, paymentID string) error {
	result, err := s.db.Exec(
		`UPDATE pending_payments SET payment_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		paymentID, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// MarkOrder stamps the host order id onto the pending payment once the
// order has been created.
func (s *Store) MarkOrder(id int64, orderID int64) error {
	result, err := s.db.Exec(
		`UPDATE pending_payments SET order_id = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`,
		orderID, id,
	)
	if err != nil {
		return err
	}
	return checkAffected(result)
}

// GetByID looks up a pending payment by its local surrogate key.
func (s *Store) GetByID(id int64) (*Payment, error) {
	return s.getOne(`SELECT * FROM pending_payments WHERE id = $1`, id)
}

// GetByPaymentID looks up a pending payment by the provider payment id.
func (s *Store) GetByPaymentID(paymentID string) (*Payment, error) {
	return s.getOne(`SELECT * FROM pending_payments WHERE payment_id = $1`, paymentID)
}

// GetByCartID looks up a pending payment by the host cart id.
func (s *Store) GetByCartID(cartID int64) (*Payment, error) {
	return s.getOne(`SELECT * FROM pending_payments WHERE cart_id = $1`, cartID)
}

func (s *Store) getOne(query string, arg interface{}) (*Payment, error) {
	var p Payment
	err := s.db.Get(&p, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Delete removes the pending payment. Deleting an already-removed row is a
// no-op; reconciliation may race its own cleanup.
func (s *Store) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM pending_payments WHERE id = $1`, id)
	if err != nil {
		glog.Errorf("Failed to delete pending payment %d: %v", id, err)
	}
	return err
}

func checkAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
