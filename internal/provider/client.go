package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang/glog"
)

// Payment statuses as reported by the provider. Transitions happen entirely
// provider-side; this client only observes them.
const (
	StatusPending  = "PENDING"
	StatusAccepted = "ACCEPTED"
	StatusCanceled = "CANCELED"
)

// Update actions accepted by the provider.
const (
	ActionCancel         = "CANCEL"
	ActionCancelOrRefund = "CANCEL_OR_REFUND"
)

// Config carries the provider credentials and endpoint. It is built once at
// startup and passed in explicitly; the client never reads ambient state.
type Config struct {
	BaseURL        string
	SandboxBaseURL string
	KeyID          string
	BearerToken    string
	Sandbox        bool
}

// Payment mirrors the remote payment resource.
type Payment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountUnit  int64  `json:"amount_unit"`
	Currency    string `json:"currency"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

// Refund mirrors the remote refund resource.
type Refund struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	AmountUnit int64  `json:"amount_unit"`
}

// CreatePaymentRequest is the payload for creating a remote payment.
type CreatePaymentRequest struct {
	Flow           string `json:"flow"`
	Currency       string `json:"currency"`
	AmountUnit     int64  `json:"amount_unit"`
	CallbackURL    string `json:"callback_url,omitempty"`
	RedirectURL    string `json:"redirect_url,omitempty"`
	ExternalCode   string `json:"external_code,omitempty"`
	ExpirationDate string `json:"expiration_date,omitempty"`
}

// Error is returned for any failed provider call: network faults, non-2xx
// responses and malformed bodies all surface as *Error.
type Error struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider: %v", e.Err)
	}
	return fmt.Sprintf("provider: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Client talks to the remote payment provider API. Calls are not retried;
// retry policy belongs to the reconciliation layer.
type Client struct {
	http *resty.Client
	cfg  Config
}

// NewClient creates a provider client from an explicit configuration.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if cfg.Sandbox && cfg.SandboxBaseURL != "" {
		baseURL = cfg.SandboxBaseURL
	}

	httpClient := resty.New()
	httpClient.SetTimeout(10 * time.Second)
	httpClient.SetBaseURL(strings.TrimRight(baseURL, "/"))
	httpClient.SetHeader("Authorization", "Bearer "+cfg.BearerToken)
	if cfg.KeyID != "" {
		httpClient.SetHeader("X-Key-Id", cfg.KeyID)
	}

	return &Client{
		http: httpClient,
		cfg:  cfg,
	}
}

// CreatePayment creates a new remote payment and returns it, including the
// URL the payer must be redirected to.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest) (*Payment, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post("/v1/payments")
	if err != nil {
		return nil, &Error{Err: err}
	}

	var payment Payment
	if err := decode(resp, &payment); err != nil {
		return nil, err
	}

	glog.Infof("Created remote payment %s, amount %d %s", payment.ID, payment.AmountUnit, payment.Currency)
	return &payment, nil
}

// GetPayment fetches the current state of a remote payment.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get("/v1/payments/" + id)
	if err != nil {
		return nil, &Error{Err: err}
	}

	var payment Payment
	if err := decode(resp, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// UpdatePayment applies an action (CANCEL, CANCEL_OR_REFUND) to a remote
// payment. A non-empty idempotencyKey lets the provider deduplicate retries
// of the same mutation.
func (c *Client) UpdatePayment(ctx context.Context, id, action, idempotencyKey string) (*Payment, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"action": action})

	if idempotencyKey != "" {
		req.SetHeader("Idempotency-Key", idempotencyKey)
	}

	resp, err := req.Put("/v1/payments/" + id)
	if err != nil {
		return nil, &Error{Err: err}
	}

	var payment Payment
	if err := decode(resp, &payment); err != nil {
		return nil, err
	}

	glog.Infof("Updated remote payment %s with action %s, status now %s", id, action, payment.Status)
	return &payment, nil
}

// CreateRefund creates a refund against a captured payment.
func (c *Client) CreateRefund(ctx context.Context, parentPaymentID string, amountUnit int64, externalCode string) (*Refund, error) {
	body := map[string]interface{}{
		"flow":               "REFUND",
		"parent_payment_uid": parentPaymentID,
		"amount_unit":        amountUnit,
		"external_code":      externalCode,
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post("/v1/payments")
	if err != nil {
		return nil, &Error{Err: err}
	}

	var refund Refund
	if err := decode(resp, &refund); err != nil {
		return nil, err
	}

	glog.Infof("Created refund %s for payment %s, amount %d", refund.ID, parentPaymentID, amountUnit)
	return &refund, nil
}

func decode(resp *resty.Response, out interface{}) error {
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return &Error{StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return &Error{Err: fmt.Errorf("malformed response: %w", err)}
	}
	return nil
}
