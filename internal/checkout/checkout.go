package checkout

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/golang/glog"

	"paygate/internal/order"
	"paygate/internal/pending"
	"paygate/internal/provider"
)

// expirationFormat is the timestamp layout the provider expects.
const expirationFormat = "2006-01-02T15:04:05.000Z"

const referenceCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// PendingStore is the slice of the pending-payment store checkout needs.
type PendingStore interface {
	Create(cartID int64, reference string, amountUnit int64) (*pending.Payment, error)
	SetPaymentID(id int64, paymentID string) error
	Delete(id int64) error
	GetByCartID(cartID int64) (*pending.Payment, error)
}

// ProviderAPI is the slice of the provider client checkout needs.
type ProviderAPI interface {
	CreatePayment(ctx context.Context, req provider.CreatePaymentRequest) (*provider.Payment, error)
}

// Settings exposes the runtime-configurable payment lifetime.
type Settings interface {
	PaymentDurationMinutes() int
}

// Service initiates checkout sessions: it records a pending payment, creates
// the remote payment and returns the URL the payer must be redirected to.
type Service struct {
	pending  PendingStore
	carts    order.CartService
	provider ProviderAPI
	settings Settings

	// publicBaseURL is this gateway's externally reachable address, used to
	// build the provider callback and payer-return URLs.
	publicBaseURL string
}

// NewService wires a checkout service.
func NewService(pendingStore PendingStore, carts order.CartService, providerAPI ProviderAPI, settings Settings, publicBaseURL string) *Service {
	return &Service{
		pending:       pendingStore,
		carts:         carts,
		provider:      providerAPI,
		settings:      settings,
		publicBaseURL: publicBaseURL,
	}
}

// Start begins a checkout for the cart and returns the provider redirect URL.
//
// The pending row is created before the remote payment so a provider id can
// only ever point at an existing local record. If remote creation fails the
// row is removed again and the caller sends the payer back to the cart.
func (s *Service) Start(ctx context.Context, cartID int64) (string, error) {
	amountUnit, currency, err := s.carts.CartTotal(ctx, cartID)
	if err != nil {
		return "", err
	}
	if amountUnit <= 0 {
		return "", fmt.Errorf("checkout: cart %d has no payable amount", cartID)
	}

	// A stale pending row from an abandoned attempt blocks the one-per-cart
	// invariant; replace it.
	if stale, err := s.pending.GetByCartID(cartID); err == nil {
		glog.Infof("Replacing stale pending payment %d for cart %d", stale.ID, cartID)
		if err := s.pending.Delete(stale.ID); err != nil {
			return "", err
		}
	} else if err != pending.ErrNotFound {
		return "", err
	}

	reference := generateReference()

	p, err := s.pending.Create(cartID, reference, amountUnit)
	if err != nil {
		return "", err
	}

	expiration := time.Now().UTC().
		Add(time.Duration(s.settings.PaymentDurationMinutes()) * time.Minute).
		Format(expirationFormat)

	payment, err := s.provider.CreatePayment(ctx, provider.CreatePaymentRequest{
		Flow:         "MATCH_CODE",
		Currency:     currency,
		AmountUnit:   amountUnit,
		ExternalCode: reference,
		// The provider substitutes {uuid} with the payment id on delivery.
		CallbackURL:    s.publicBaseURL + "/api/v1/callback?payment_id={uuid}",
		RedirectURL:    s.publicBaseURL + "/api/v1/return?spp=" + encodePendingID(p.ID),
		ExpirationDate: expiration,
	})
	if err != nil {
		glog.Errorf("Failed to create remote payment for cart %d: %v", cartID, err)
		if delErr := s.pending.Delete(p.ID); delErr != nil {
			glog.Errorf("Failed to clean up pending payment %d: %v", p.ID, delErr)
		}
		return "", err
	}

	if err := s.pending.SetPaymentID(p.ID, payment.ID); err != nil {
		return "", err
	}

	glog.Infof("Started checkout for cart %d: pending %d, payment %s", cartID, p.ID, payment.ID)
	return payment.RedirectURL, nil
}

// encodePendingID encodes the pending payment id for the payer-return URL.
func encodePendingID(id int64) string {
	return base64.URLEncoding.EncodeToString([]byte(strconv.FormatInt(id, 10)))
}

// DecodePendingID reverses encodePendingID for the return endpoint.
func DecodePendingID(s string) (int64, error) {
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// generateReference builds a 9-character order reference, matching the host
// platform's reference shape.
func generateReference() string {
	b := make([]byte, 9)
	for i := range b {
		b[i] = referenceCharset[rand.Intn(len(referenceCharset))]
	}
	return string(b)
}
