package settings

import (
	"errors"
	"os"
	"strconv"

	"github.com/golang/glog"

	"paygate/internal/provider"
)

// ErrKeyNotFound is returned when a configuration key has no value.
var ErrKeyNotFound = errors.New("settings: key not found")

// Configuration keys. Values persist in Redis so every request-handling
// process observes credential and flag changes without a restart.
const (
	KeyProviderKeyID       = "PAYGATE_PROVIDER_KEY_ID"
	KeyProviderBearerToken = "PAYGATE_PROVIDER_BEARER_TOKEN"
	KeySandbox             = "PAYGATE_SANDBOX"

	KeyPaymentDurationMinutes = "PAYGATE_PAYMENT_DURATION_MINUTES"

	KeyCallbackHealthNonce     = "PAYGATE_CALLBACK_HEALTH_NONCE"
	KeyCallbackHealthStatus    = "PAYGATE_CALLBACK_HEALTH_STATUS"
	KeyCallbackHealthTimestamp = "PAYGATE_CALLBACK_HEALTH_TIMESTAMP"
)

// DefaultPaymentDurationMinutes is how long a remote payment stays payable.
const DefaultPaymentDurationMinutes = 60

// Manager is the persistent key-value configuration store. Per-process
// caching is acceptable; no cross-key transactional guarantee is offered.
type Manager struct {
	redisClient RedisClient
}

// NewManager creates a settings manager over a Redis client.
func NewManager(redisClient RedisClient) *Manager {
	return &Manager{redisClient: redisClient}
}

// Get returns the value for key, or ErrKeyNotFound.
func (m *Manager) Get(key string) (string, error) {
	return m.redisClient.Get(key)
}

// GetWithDefault returns the value for key, falling back to def when the
// key is absent or unreadable.
func (m *Manager) GetWithDefault(key, def string) string {
	val, err := m.Get(key)
	if err != nil {
		return def
	}
	return val
}

// Set stores the value for key without expiration.
func (m *Manager) Set(key, value string) error {
	return m.redisClient.Set(key, value, 0)
}

// Del removes the key.
func (m *Manager) Del(key string) error {
	return m.redisClient.Del(key)
}

// PaymentDurationMinutes returns the configured remote payment lifetime.
func (m *Manager) PaymentDurationMinutes() int {
	val := m.GetWithDefault(KeyPaymentDurationMinutes, "")
	if val == "" {
		return DefaultPaymentDurationMinutes
	}
	minutes, err := strconv.Atoi(val)
	if err != nil || minutes <= 0 {
		glog.Warningf("Invalid payment duration %q, using default", val)
		return DefaultPaymentDurationMinutes
	}
	return minutes
}

// Sandbox reports whether the provider sandbox environment is enabled.
func (m *Manager) Sandbox() bool {
	val := m.GetWithDefault(KeySandbox, "false")
	sandbox, err := strconv.ParseBool(val)
	if err != nil {
		return false
	}
	return sandbox
}

// ProviderConfig assembles the explicit provider configuration handed to
// the gateway client. Credentials come from the config store; the endpoint
// from the environment.
func (m *Manager) ProviderConfig() provider.Config {
	baseURL := os.Getenv("PROVIDER_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:9090"
	}

	return provider.Config{
		BaseURL:        baseURL,
		SandboxBaseURL: os.Getenv("PROVIDER_SANDBOX_BASE_URL"),
		KeyID:          m.GetWithDefault(KeyProviderKeyID, ""),
		BearerToken:    m.GetWithDefault(KeyProviderBearerToken, ""),
		Sandbox:        m.Sandbox(),
	}
}

// Activated reports whether provider credentials are present.
func (m *Manager) Activated() bool {
	cfg := m.ProviderConfig()
	return cfg.KeyID != "" && cfg.BearerToken != ""
}
