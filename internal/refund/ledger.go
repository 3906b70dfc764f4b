package refund

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"paygate/internal/provider"
)

// ErrExceedsCaptured is returned when a refund would push the refunded total
// past the payment's captured amount. The check runs before any remote call.
var ErrExceedsCaptured = errors.New("refund: amount exceeds captured total")

// ErrNotRefundable is returned when the payment is not in a captured state.
var ErrNotRefundable = errors.New("refund: payment not refundable")

// Record is one row of the append-only refund ledger.
type Record struct {
	RefundID   string    `json:"refund_id" db:"refund_id"`
	PaymentID  string    `json:"payment_id" db:"payment_id"`
	AmountUnit int64     `json:"amount_unit" db:"amount_unit"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Ledger persists refund records.
type Ledger interface {
	Append(record *Record) error
	SumByPaymentID(paymentID string) (int64, error)
	ListByPaymentID(paymentID string) ([]*Record, error)
}

// Store is the PostgreSQL-backed refund ledger.
type Store struct {
	db *sqlx.DB
}

// NewStore creates the store and ensures its schema exists.
func NewStore(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		glog.Errorf("Failed to initialize refunds schema: %v", err)
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS refunds (
		refund_id VARCHAR(255) PRIMARY KEY,
		payment_id VARCHAR(255) NOT NULL,
		amount_unit BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_refunds_payment_id ON refunds(payment_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Append stores a refund record. The ledger is append-only; records are
// never updated or removed.
func (s *Store) Append(record *Record) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}

	query := `
		INSERT INTO refunds (refund_id, payment_id, amount_unit)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`

	err := s.db.QueryRow(query, record.RefundID, record.PaymentID, record.AmountUnit).
		Scan(&record.CreatedAt)
	if err != nil {
		glog.Errorf("Failed to append refund %s for payment %s: %v", record.RefundID, record.PaymentID, err)
		return err
	}

	glog.Infof("Recorded refund %s for payment %s, amount %d", record.RefundID, record.PaymentID, record.AmountUnit)
	return nil
}

// SumByPaymentID returns the total refunded amount for a payment.
func (s *Store) SumByPaymentID(paymentID string) (int64, error) {
	var sum int64
	err := s.db.Get(&sum,
		`SELECT COALESCE(SUM(amount_unit), 0) FROM refunds WHERE payment_id = $1`,
		paymentID,
	)
	return sum, err
}

// ListByPaymentID returns the refund records for a payment, oldest first.
func (s *Store) ListByPaymentID(paymentID string) ([]*Record, error) {
	var records []*Record
	err := s.db.Select(&records,
		`SELECT * FROM refunds WHERE payment_id = $1 ORDER BY created_at ASC`,
		paymentID,
	)
	return records, err
}

// ProviderAPI is the slice of the provider client the refund service needs.
type ProviderAPI interface {
	GetPayment(ctx context.Context, id string) (*provider.Payment, error)
	CreateRefund(ctx context.Context, parentPaymentID string, amountUnit int64, externalCode string) (*provider.Refund, error)
}

// Service issues refunds while enforcing the ledger bound: refunds for a
// payment never exceed the amount the payment captured.
type Service struct {
	ledger   Ledger
	provider ProviderAPI
}

// NewService wires a refund service.
func NewService(ledger Ledger, providerAPI ProviderAPI) *Service {
	return &Service{ledger: ledger, provider: providerAPI}
}

// Refund refunds amountUnit of the captured payment. The bound check runs
// against the ledger and the remote captured amount before the remote refund
// is created, so an over-refund never reaches the provider.
func (s *Service) Refund(ctx context.Context, paymentID string, amountUnit int64) (*Record, error) {
	if amountUnit <= 0 {
		return nil, fmt.Errorf("refund: amount must be positive, got %d", amountUnit)
	}

	payment, err := s.provider.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != provider.StatusAccepted {
		return nil, ErrNotRefundable
	}

	refunded, err := s.ledger.SumByPaymentID(paymentID)
	if err != nil {
		return nil, err
	}
	if refunded+amountUnit > payment.AmountUnit {
		glog.Warningf("Rejected refund of %d for payment %s: %d already refunded of %d captured",
			amountUnit, paymentID, refunded, payment.AmountUnit)
		return nil, ErrExceedsCaptured
	}

	externalCode := "refund-" + uuid.NewString()

	remote, err := s.provider.CreateRefund(ctx, paymentID, amountUnit, externalCode)
	if err != nil {
		return nil, err
	}

	record := &Record{
		RefundID:   remote.ID,
		PaymentID:  paymentID,
		AmountUnit: amountUnit,
	}
	if err := s.ledger.Append(record); err != nil {
		// The remote refund exists but the ledger write failed; surface the
		// fault so operators reconcile manually.
		return nil, fmt.Errorf("refund: remote refund %s created but ledger write failed: %w", remote.ID, err)
	}

	return record, nil
}
