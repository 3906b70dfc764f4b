package healthcheck

import (
	"context"
	"math/rand"
	"strconv"
	"time"

	"github.com/golang/glog"

	"paygate/internal/provider"
	"paygate/internal/settings"
)

// Probe statuses.
const (
	StatusTodo    = "todo"
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFail    = "fail"
)

const (
	// paymentDuration is how long the probe payment stays payable. A callback
	// arriving after this window (plus slack) means the callback path is broken.
	paymentDuration = 60 * time.Second

	// verifySlack gives the provider a grace period beyond the payment
	// duration before the probe is declared failed.
	verifySlack = 10 * time.Second

	nonceLength  = 12
	nonceCharset = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

	// defaultRunInterval spaces out probe re-runs so the status keeps
	// reflecting the current callback path, not just the one at startup.
	defaultRunInterval = 30 * time.Minute
)

// ConfigStore is the slice of the settings manager the probe needs.
type ConfigStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Del(key string) error
}

// ProviderAPI is the slice of the provider client the probe needs.
type ProviderAPI interface {
	CreatePayment(ctx context.Context, req provider.CreatePaymentRequest) (*provider.Payment, error)
}

// Probe is a periodic self-test of the provider-to-gateway callback path.
// It creates a minimal 1-unit payment whose callback URL carries a random
// nonce; receiving that nonce back proves callbacks are being delivered.
// Purely diagnostic: probe failures never block payment reconciliation.
type Probe struct {
	config        ConfigStore
	provider      ProviderAPI
	publicBaseURL string
	runInterval   time.Duration
}

// NewProbe wires a callback health-check probe.
func NewProbe(config ConfigStore, providerAPI ProviderAPI, publicBaseURL string) *Probe {
	return &Probe{
		config:        config,
		provider:      providerAPI,
		publicBaseURL: publicBaseURL,
		runInterval:   defaultRunInterval,
	}
}

// Start runs the probe once and keeps re-running it on an interval until
// the context is canceled. A probe still pending inside its window is left
// alone; Status's expiry check flips overdue ones to failed first.
func (p *Probe) Start(ctx context.Context) {
	p.Run(ctx)

	go func() {
		ticker := time.NewTicker(p.runInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p.Status() != StatusPending {
					p.Run(ctx)
				}
			}
		}
	}()
}

// Run issues a new probe payment and marks the probe pending.
func (p *Probe) Run(ctx context.Context) {
	nonce := generateNonce()
	if err := p.config.Set(settings.KeyCallbackHealthNonce, nonce); err != nil {
		glog.Errorf("Health check: failed to store nonce: %v", err)
		return
	}

	glog.Infof("Health check: starting with nonce %s", nonce)

	_, err := p.provider.CreatePayment(ctx, provider.CreatePaymentRequest{
		Flow:         "MATCH_CODE",
		Currency:     "EUR",
		AmountUnit:   1,
		ExternalCode: "callback-health " + nonce,
		CallbackURL:  p.publicBaseURL + "/api/v1/callback-health?nonce=" + nonce + "&payment_id={uuid}",
		ExpirationDate: time.Now().UTC().
			Add(paymentDuration).
			Format("2006-01-02T15:04:05.000Z"),
	})
	if err != nil {
		// can be silent as it doesn't affect payment processing
		glog.Errorf("Health check: failed with nonce %s: %v", nonce, err)
		return
	}

	p.config.Set(settings.KeyCallbackHealthStatus, StatusPending)
	p.config.Set(settings.KeyCallbackHealthTimestamp,
		strconv.FormatInt(time.Now().UTC().UnixMilli(), 10))

	glog.Infof("Health check: succeeded with nonce %s", nonce)
}

// Verify flips the probe to failed when the callback window has elapsed
// without a matching callback.
func (p *Probe) Verify() {
	raw, err := p.config.Get(settings.KeyCallbackHealthTimestamp)
	if err != nil || raw == "" {
		return
	}

	issuedMillis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		glog.Warningf("Health check: invalid timestamp %q", raw)
		return
	}

	issued := time.UnixMilli(issuedMillis)
	if time.Since(issued) > paymentDuration+verifySlack {
		p.config.Del(settings.KeyCallbackHealthNonce)
		p.config.Set(settings.KeyCallbackHealthStatus, StatusFail)
		p.config.Del(settings.KeyCallbackHealthTimestamp)
		glog.Warningf("Health check: no callback received within %s, marking failed", paymentDuration+verifySlack)
	}
}

// Validate handles the probe callback: a nonce matching the stored one
// flips the probe to success and clears its state.
func (p *Probe) Validate(nonce string) {
	glog.Infof("Health check: validating nonce %s", nonce)

	stored, err := p.config.Get(settings.KeyCallbackHealthNonce)
	if err != nil || stored == "" {
		return
	}

	if nonce == stored {
		p.config.Del(settings.KeyCallbackHealthNonce)
		p.config.Set(settings.KeyCallbackHealthStatus, StatusSuccess)
		p.config.Del(settings.KeyCallbackHealthTimestamp)
	}
}

// Status returns the current probe status, verifying expiry first.
func (p *Probe) Status() string {
	p.Verify()
	status, err := p.config.Get(settings.KeyCallbackHealthStatus)
	if err != nil || status == "" {
		return StatusTodo
	}
	return status
}

func generateNonce() string {
	b := make([]byte, nonceLength)
	for i := range b {
		b[i] = nonceCharset[rand.Intn(len(nonceCharset))]
	}
	return string(b)
}
