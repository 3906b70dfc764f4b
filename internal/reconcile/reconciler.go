package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"

	"paygate/internal/event"
	"paygate/internal/order"
	"paygate/internal/pending"
	"paygate/internal/provider"
)

// BlockTimeout bounds how long a trigger waits for the per-payment lock
// before giving up with a safe default response.
const BlockTimeout = 8 * time.Second

// Outcome is the terminal classification of one reconciliation pass.
// Expected branches are outcomes, not errors.
type Outcome string

const (
	// OutcomeNoPending means no pending payment exists for the id; the
	// payment was already reconciled or the id is foreign.
	OutcomeNoPending Outcome = "no_pending"

	// OutcomeAlreadyFinalized means another trigger already created the order.
	OutcomeAlreadyFinalized Outcome = "already_finalized"

	// OutcomeOrderCreated means this pass created the order.
	OutcomeOrderCreated Outcome = "order_created"

	// OutcomeCanceled means the payment ended without an order and the
	// pending record was discarded.
	OutcomeCanceled Outcome = "canceled"

	// OutcomeRetryLater means the pass could not settle the payment; the
	// pending record is kept for the next trigger.
	OutcomeRetryLater Outcome = "retry_later"
)

// Result carries the outcome of a pass plus the order, when one exists.
type Result struct {
	Outcome Outcome
	Order   *order.Order
	Pending *pending.Payment
}

// PendingStore is the slice of the pending-payment store the reconciler needs.
type PendingStore interface {
	GetByPaymentID(paymentID string) (*pending.Payment, error)
	Delete(id int64) error
}

// ProviderAPI is the slice of the provider client the reconciler needs.
type ProviderAPI interface {
	GetPayment(ctx context.Context, id string) (*provider.Payment, error)
	UpdatePayment(ctx context.Context, id, action, idempotencyKey string) (*provider.Payment, error)
}

// Finalizer converts a pending payment into a host order, or declines with
// a nil order on validation failure.
type Finalizer interface {
	Finalize(ctx context.Context, p *pending.Payment, remoteAmount int64) (*order.Order, error)
}

// LockManager serializes reconciliation passes per payment id across
// processes.
type LockManager interface {
	Block(name string, timeout time.Duration, fn func() error) error
}

// EventSender publishes terminal reconciliation outcomes. Optional; a nil
// sender disables publishing.
type EventSender interface {
	SendPaymentReconciled(e event.PaymentReconciled) error
}

// Reconciler drives a pending payment to a terminal outcome. Both triggers
// (payer-return redirect and provider callback) run the same algorithm under
// the same per-payment lock, so at most one of them mutates order state.
type Reconciler struct {
	pending   PendingStore
	orders    order.Service
	provider  ProviderAPI
	finalizer Finalizer
	locks     LockManager
	events    EventSender
}

// NewReconciler wires a reconciler from its collaborators.
func NewReconciler(pendingStore PendingStore, orders order.Service, providerAPI ProviderAPI, finalizer Finalizer, locks LockManager, events EventSender) *Reconciler {
	return &Reconciler{
		pending:   pendingStore,
		orders:    orders,
		provider:  providerAPI,
		finalizer: finalizer,
		locks:     locks,
		events:    events,
	}
}

// ReconcileLocked runs one reconciliation pass while holding the per-payment
// lock. A lock timeout surfaces as lock.ErrLockTimeout for the caller to map
// to its safe default response.
func (r *Reconciler) ReconcileLocked(ctx context.Context, paymentID string) (Result, error) {
	var result Result
	var innerErr error

	err := r.locks.Block(paymentID, BlockTimeout, func() error {
		result, innerErr = r.Reconcile(ctx, paymentID)
		return nil
	})
	if err != nil {
		return Result{Outcome: OutcomeRetryLater}, err
	}
	return result, innerErr
}

// Reconcile runs one pass of the state machine. The caller must hold the
// per-payment lock. Provider failures are logged and mapped to
// OutcomeRetryLater; only datastore faults propagate as errors.
func (r *Reconciler) Reconcile(ctx context.Context, paymentID string) (Result, error) {
	p, err := r.pending.GetByPaymentID(paymentID)
	if err != nil {
		if errors.Is(err, pending.ErrNotFound) {
			// Already reconciled or a foreign id; duplicate callbacks land here.
			return Result{Outcome: OutcomeNoPending}, nil
		}
		return Result{Outcome: OutcomeRetryLater}, err
	}

	// A stamped order id means a previous pass finalized but did not get to
	// delete the pending row; surface that order without touching the cart.
	if p.OrderID.Valid {
		stamped, err := r.orders.GetByID(ctx, p.OrderID.Int64)
		if err != nil && !errors.Is(err, order.ErrNotFound) {
			return Result{Outcome: OutcomeRetryLater, Pending: p}, err
		}
		if stamped != nil {
			return Result{Outcome: OutcomeAlreadyFinalized, Order: stamped, Pending: p}, nil
		}
	}

	// Primary defense against double order creation: if any trigger already
	// finalized this cart, surface the existing order and stop.
	existing, err := r.orders.GetByCartID(ctx, p.CartID)
	if err != nil && !errors.Is(err, order.ErrNotFound) {
		return Result{Outcome: OutcomeRetryLater, Pending: p}, err
	}
	if existing != nil {
		return Result{Outcome: OutcomeAlreadyFinalized, Order: existing, Pending: p}, nil
	}

	remote, err := r.provider.GetPayment(ctx, paymentID)
	if err != nil {
		glog.Errorf("Failed to fetch remote payment %s: %v", paymentID, err)
		return Result{Outcome: OutcomeRetryLater, Pending: p}, nil
	}

	switch remote.Status {
	case provider.StatusAccepted:
		return r.settleAccepted(ctx, p, remote.AmountUnit)

	case provider.StatusPending:
		return r.settlePending(ctx, p)

	case provider.StatusCanceled:
		return r.discard(p)

	default:
		glog.Warningf("Unexpected status %s for remote payment %s", remote.Status, paymentID)
		return Result{Outcome: OutcomeRetryLater, Pending: p}, nil
	}
}

// settleAccepted attempts to finalize an accepted payment. When validation
// declines the order, the payment is canceled or refunded remotely, using
// the pending record's reference as the idempotency key so provider retries
// collapse into one mutation.
func (r *Reconciler) settleAccepted(ctx context.Context, p *pending.Payment, remoteAmount int64) (Result, error) {
	o, err := r.finalizer.Finalize(ctx, p, remoteAmount)
	if err != nil {
		return Result{Outcome: OutcomeRetryLater, Pending: p}, err
	}

	if o != nil {
		// Delete the pending row only after the order reads back.
		confirmed, err := r.orders.GetByCartID(ctx, p.CartID)
		if err == nil && confirmed != nil {
			if err := r.pending.Delete(p.ID); err != nil {
				glog.Errorf("Failed to delete pending payment %d after order %d: %v", p.ID, o.ID, err)
			}
		}

		r.publish(p, OutcomeOrderCreated, o)
		return Result{Outcome: OutcomeOrderCreated, Order: o, Pending: p}, nil
	}

	cancelOrRefund, err := r.provider.UpdatePayment(ctx, p.PaymentID, provider.ActionCancelOrRefund, p.Reference)
	if err != nil {
		glog.Errorf("Failed to cancel-or-refund payment %s: %v", p.PaymentID, err)
		return Result{Outcome: OutcomeRetryLater, Pending: p}, nil
	}

	if cancelOrRefund.Status == provider.StatusCanceled || cancelOrRefund.Status == provider.StatusAccepted {
		if err := r.pending.Delete(p.ID); err != nil {
			return Result{Outcome: OutcomeRetryLater, Pending: p}, err
		}
		r.publish(p, OutcomeCanceled, nil)
		return Result{Outcome: OutcomeCanceled, Pending: p}, nil
	}

	return Result{Outcome: OutcomeRetryLater, Pending: p}, nil
}

// settlePending actively cancels a still-pending payment so the payer is not
// charged after abandoning checkout. Cancel can race an acceptance on the
// provider side, so a failed cancel triggers a re-check.
func (r *Reconciler) settlePending(ctx context.Context, p *pending.Payment) (Result, error) {
	canceled, err := r.provider.UpdatePayment(ctx, p.PaymentID, provider.ActionCancel, "")
	if err == nil && canceled.Status == provider.StatusCanceled {
		return r.discard(p)
	}

	remote, err := r.provider.GetPayment(ctx, p.PaymentID)
	if err != nil {
		glog.Errorf("Failed to re-check payment %s after cancel attempt: %v", p.PaymentID, err)
		return Result{Outcome: OutcomeRetryLater, Pending: p}, nil
	}

	if remote.Status == provider.StatusAccepted {
		return r.settleAccepted(ctx, p, remote.AmountUnit)
	}
	if remote.Status == provider.StatusCanceled {
		return r.discard(p)
	}

	return Result{Outcome: OutcomeRetryLater, Pending: p}, nil
}

// discard drops the pending record of a payment that ended without an order.
func (r *Reconciler) discard(p *pending.Payment) (Result, error) {
	if err := r.pending.Delete(p.ID); err != nil {
		return Result{Outcome: OutcomeRetryLater, Pending: p}, err
	}
	glog.Infof("Discarded pending payment %d for canceled payment %s", p.ID, p.PaymentID)
	r.publish(p, OutcomeCanceled, nil)
	return Result{Outcome: OutcomeCanceled, Pending: p}, nil
}

func (r *Reconciler) publish(p *pending.Payment, outcome Outcome, o *order.Order) {
	if r.events == nil {
		return
	}

	e := event.PaymentReconciled{
		PaymentID: p.PaymentID,
		CartID:    p.CartID,
		Outcome:   string(outcome),
		At:        time.Now().UTC(),
	}
	if o != nil {
		e.OrderID = o.ID
	}

	if err := r.events.SendPaymentReconciled(e); err != nil {
		glog.Warningf("Failed to publish reconciliation event for payment %s: %v", p.PaymentID, err)
	}
}
