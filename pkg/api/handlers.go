package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/golang/glog"

	"paygate/internal/checkout"
	"paygate/internal/lock"
	"paygate/internal/pending"
	"paygate/internal/reconcile"
	"paygate/internal/refund"
)

// startCheckout begins a checkout session for a cart and sends the payer to
// the provider. Any failure sends the payer back to the cart; the payer
// never sees an error page.
func (s *Server) startCheckout(w http.ResponseWriter, r *http.Request) {
	cartID, err := strconv.ParseInt(r.FormValue("cart_id"), 10, 64)
	if err != nil {
		glog.Warningf("Checkout with invalid cart_id %q", r.FormValue("cart_id"))
		s.redirectToCart(w, r)
		return
	}

	redirectURL, err := s.checkout.Start(r.Context(), cartID)
	if err != nil {
		glog.Errorf("Failed to start checkout for cart %d: %v", cartID, err)
		s.redirectToCart(w, r)
		return
	}

	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// payerReturn handles the payer's browser coming back from the provider.
// It reconciles under the per-payment lock and redirects to the order
// confirmation page when an order exists, or to the cart otherwise.
func (s *Server) payerReturn(w http.ResponseWriter, r *http.Request) {
	id, err := checkout.DecodePendingID(r.URL.Query().Get("spp"))
	if err != nil {
		s.redirectToCart(w, r)
		return
	}

	p, err := s.pending.GetByID(id)
	if err != nil {
		if !errors.Is(err, pending.ErrNotFound) {
			glog.Errorf("Failed to load pending payment %d: %v", id, err)
		}
		s.redirectToCart(w, r)
		return
	}

	result, err := s.reconciler.ReconcileLocked(r.Context(), p.PaymentID)
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			glog.Warningf("Lock timeout reconciling payment %s on payer return", p.PaymentID)
		} else {
			glog.Errorf("Failed to reconcile payment %s on payer return: %v", p.PaymentID, err)
		}
		s.redirectToCart(w, r)
		return
	}

	switch result.Outcome {
	case reconcile.OutcomeOrderCreated, reconcile.OutcomeAlreadyFinalized:
		s.redirectToConfirmation(w, r, result)
	default:
		s.redirectToCart(w, r)
	}
}

// providerCallback handles asynchronous payment-status notifications. The
// response is always 204 so provider retries are never treated as errors.
func (s *Server) providerCallback(w http.ResponseWriter, r *http.Request) {
	paymentID := r.URL.Query().Get("payment_id")
	if paymentID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if _, err := s.reconciler.ReconcileLocked(r.Context(), paymentID); err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			glog.Warningf("Lock timeout reconciling payment %s on callback", paymentID)
		} else {
			glog.Errorf("Failed to reconcile payment %s on callback: %v", paymentID, err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// callbackHealth receives the health-probe callback.
func (s *Server) callbackHealth(w http.ResponseWriter, r *http.Request) {
	if nonce := r.URL.Query().Get("nonce"); nonce != "" {
		s.probe.Validate(nonce)
	}
	w.WriteHeader(http.StatusNoContent)
}

type refundRequest struct {
	PaymentID  string `json:"payment_id"`
	AmountUnit int64  `json:"amount_unit"`
}

// createRefund issues a refund bounded by the refund ledger.
func (s *Server) createRefund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendResponse(w, http.StatusBadRequest, false, "Invalid request body", nil)
		return
	}
	if req.PaymentID == "" {
		s.sendResponse(w, http.StatusBadRequest, false, "payment_id is required", nil)
		return
	}

	record, err := s.refunds.Refund(r.Context(), req.PaymentID, req.AmountUnit)
	if err != nil {
		switch {
		case errors.Is(err, refund.ErrExceedsCaptured):
			s.sendResponse(w, http.StatusUnprocessableEntity, false, "Refund exceeds captured amount", nil)
		case errors.Is(err, refund.ErrNotRefundable):
			s.sendResponse(w, http.StatusUnprocessableEntity, false, "Payment is not refundable", nil)
		default:
			glog.Errorf("Failed to refund payment %s: %v", req.PaymentID, err)
			s.sendResponse(w, http.StatusInternalServerError, false, "Refund failed", nil)
		}
		return
	}

	s.sendResponse(w, http.StatusCreated, true, "Refund created", record)
}

// health reports service liveness and the callback probe status.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, http.StatusOK, true, "ok", map[string]string{
		"callback_health": s.probe.Status(),
	})
}

func (s *Server) redirectToCart(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.cfg.CartURL, http.StatusFound)
}

func (s *Server) redirectToConfirmation(w http.ResponseWriter, r *http.Request, result reconcile.Result) {
	url := fmt.Sprintf("%s?cart_id=%d&order_id=%d&key=%s",
		s.cfg.ConfirmationURL, result.Order.CartID, result.Order.ID, result.Order.CustomerKey)
	http.Redirect(w, r, url, http.StatusFound)
}
