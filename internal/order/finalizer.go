package order

import (
	"context"
	"errors"

	"github.com/golang/glog"

	"paygate/internal/pending"
)

// ErrNotFound is returned by Service.GetByCartID when the cart has no order.
var ErrNotFound = errors.New("order: not found")

// Order is the host system's order record. The gateway only creates it via
// a single finalize call and reads back its id and customer key.
type Order struct {
	ID          int64  `json:"id"`
	CartID      int64  `json:"cart_id"`
	Reference   string `json:"reference"`
	CustomerKey string `json:"customer_key"`
}

// CartService recomputes the current cart total from stored data. The
// remote-reported amount is never trusted on its own.
type CartService interface {
	CartTotal(ctx context.Context, cartID int64) (amountUnit int64, currency string, err error)
}

// Service is the order-creation callback into the host system.
type Service interface {
	Finalize(ctx context.Context, cartID int64, amountUnit int64, transactionID, reference string) (*Order, error)
	GetByID(ctx context.Context, id int64) (*Order, error)
	GetByCartID(ctx context.Context, cartID int64) (*Order, error)
}

// PendingMarker stamps an order id onto a pending payment row.
type PendingMarker interface {
	MarkOrder(id int64, orderID int64) error
}

// Finalizer validates the paid amount against the recomputed cart total and
// atomically creates the host order.
type Finalizer struct {
	carts   CartService
	orders  Service
	pending PendingMarker
}

// NewFinalizer wires a finalizer from its collaborators.
func NewFinalizer(carts CartService, orders Service, pendingStore PendingMarker) *Finalizer {
	return &Finalizer{
		carts:   carts,
		orders:  orders,
		pending: pendingStore,
	}
}

// Finalize drives a pending payment into a host order.
//
// The invariant remoteAmount == recomputed cart amount == pending amount must
// hold; any mismatch aborts finalization with a nil order and no error, so
// the caller can fall back to a remote cancel-or-refund. Datastore errors
// propagate. On success the pending row is stamped with the order id but not
// deleted; deletion happens in the reconciler after the order read-back.
func (f *Finalizer) Finalize(ctx context.Context, p *pending.Payment, remoteAmount int64) (*Order, error) {
	cartAmount, _, err := f.carts.CartTotal(ctx, p.CartID)
	if err != nil {
		return nil, err
	}

	if remoteAmount != cartAmount || cartAmount != p.AmountUnit {
		glog.Warningf("Amount mismatch for payment %s: remote=%d cart=%d pending=%d",
			p.PaymentID, remoteAmount, cartAmount, p.AmountUnit)
		return nil, nil
	}

	o, err := f.orders.Finalize(ctx, p.CartID, p.AmountUnit, p.PaymentID, p.Reference)
	if err != nil {
		return nil, err
	}
	if o == nil {
		glog.Warningf("Host rejected order creation for cart %d, payment %s", p.CartID, p.PaymentID)
		return nil, nil
	}

	if err := f.pending.MarkOrder(p.ID, o.ID); err != nil {
		glog.Errorf("Failed to stamp order %d on pending payment %d: %v", o.ID, p.ID, err)
		return nil, err
	}

	glog.Infof("Finalized order %d for cart %d, payment %s", o.ID, p.CartID, p.PaymentID)
	return o, nil
}
