package host

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang/glog"

	"paygate/internal/order"
)

// Client talks to the host e-commerce application: it recomputes cart
// totals and drives order creation through the host's finalize callback.
// It implements order.CartService and order.Service.
type Client struct {
	http *resty.Client
}

// NewClient creates a host client for the given base URL. An empty baseURL
// falls back to the HOST_BASE_URL environment variable.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("HOST_BASE_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8081"
	}

	httpClient := resty.New()
	httpClient.SetTimeout(5 * time.Second)
	httpClient.SetBaseURL(strings.TrimRight(baseURL, "/"))

	return &Client{http: httpClient}
}

type cartTotalResponse struct {
	AmountUnit int64  `json:"amount_unit"`
	Currency   string `json:"currency"`
}

// CartTotal recomputes the cart's current total in minor currency units.
func (c *Client) CartTotal(ctx context.Context, cartID int64) (int64, string, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/api/carts/%d/total", cartID))
	if err != nil {
		return 0, "", fmt.Errorf("host: cart total request failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return 0, "", fmt.Errorf("host: cart total non-2xx: %d", resp.StatusCode())
	}

	var total cartTotalResponse
	if err := json.Unmarshal(resp.Body(), &total); err != nil {
		return 0, "", fmt.Errorf("host: malformed cart total response: %w", err)
	}
	return total.AmountUnit, total.Currency, nil
}

type finalizeRequest struct {
	CartID        int64  `json:"cart_id"`
	AmountUnit    int64  `json:"amount_unit"`
	TransactionID string `json:"transaction_id"`
	Reference     string `json:"reference"`
}

// Finalize asks the host to create the order for a paid cart. A 422 from
// the host means it declined validation; that surfaces as a nil order
// without an error, mirroring the finalizer's expected-branch contract.
func (c *Client) Finalize(ctx context.Context, cartID, amountUnit int64, transactionID, reference string) (*order.Order, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(finalizeRequest{
			CartID:        cartID,
			AmountUnit:    amountUnit,
			TransactionID: transactionID,
			Reference:     reference,
		}).
		Post("/api/orders")
	if err != nil {
		return nil, fmt.Errorf("host: finalize request failed: %w", err)
	}

	if resp.StatusCode() == http.StatusUnprocessableEntity {
		glog.Warningf("Host declined order creation for cart %d", cartID)
		return nil, nil
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("host: finalize non-2xx: %d", resp.StatusCode())
	}

	var o order.Order
	if err := json.Unmarshal(resp.Body(), &o); err != nil {
		return nil, fmt.Errorf("host: malformed finalize response: %w", err)
	}
	return &o, nil
}

// GetByID loads an order by its host-assigned id.
func (c *Client) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/api/orders/%d", id))
	if err != nil {
		return nil, fmt.Errorf("host: order lookup failed: %w", err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, order.ErrNotFound
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("host: order lookup non-2xx: %d", resp.StatusCode())
	}

	var o order.Order
	if err := json.Unmarshal(resp.Body(), &o); err != nil {
		return nil, fmt.Errorf("host: malformed order response: %w", err)
	}
	return &o, nil
}

// GetByCartID reads back the order for a cart, if one exists.
func (c *Client) GetByCartID(ctx context.Context, cartID int64) (*order.Order, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("cart_id", strconv.FormatInt(cartID, 10)).
		Get("/api/orders")
	if err != nil {
		return nil, fmt.Errorf("host: order lookup failed: %w", err)
	}

	if resp.StatusCode() == http.StatusNotFound {
		return nil, order.ErrNotFound
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("host: order lookup non-2xx: %d", resp.StatusCode())
	}

	var o order.Order
	if err := json.Unmarshal(resp.Body(), &o); err != nil {
		return nil, fmt.Errorf("host: malformed order response: %w", err)
	}
	return &o, nil
}
