package event

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/nats-io/nats.go"
)

// PaymentReconciled is published whenever a reconciliation pass reaches a
// terminal outcome for a payment.
type PaymentReconciled struct {
	PaymentID string    `json:"payment_id"`
	CartID    int64     `json:"cart_id"`
	OrderID   int64     `json:"order_id,omitempty"`
	Outcome   string    `json:"outcome"`
	At        time.Time `json:"at"`
}

// DataSender handles NATS communication for payment events
type DataSender struct {
	conn    *nats.Conn
	subject string
	enabled bool
}

// Config holds NATS configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	Subject  string
}

// NewDataSender creates a new DataSender instance
func NewDataSender() (*DataSender, error) {
	// Check if we're in development environment
	env := os.Getenv("GO_ENV")
	if env == "development" || env == "dev" {
		log.Println("Development environment detected, NATS data sender disabled")
		return &DataSender{enabled: false}, nil
	}

	config := loadConfig()

	// Build NATS connection URL
	natsURL := fmt.Sprintf("nats://%s:%s@%s:%s",
		config.Username, config.Password, config.Host, config.Port)

	conn, err := nats.Connect(natsURL,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Printf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Printf("Connected to NATS server at %s:%s", config.Host, config.Port)

	return &DataSender{
		conn:    conn,
		subject: config.Subject,
		enabled: true,
	}, nil
}

// loadConfig loads NATS configuration from environment variables
func loadConfig() Config {
	return Config{
		Host:     getEnvOrDefault("NATS_HOST", "localhost"),
		Port:     getEnvOrDefault("NATS_PORT", "4222"),
		Username: getEnvOrDefault("NATS_USERNAME", ""),
		Password: getEnvOrDefault("NATS_PASSWORD", ""),
		Subject:  getEnvOrDefault("NATS_SUBJECT_PAYMENT_RECONCILED", "payment.reconciled"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// SendPaymentReconciled publishes a terminal reconciliation outcome. Send
// failures are the caller's to log; they never affect reconciliation itself.
func (ds *DataSender) SendPaymentReconciled(e PaymentReconciled) error {
	if !ds.enabled {
		log.Println("NATS data sender is disabled, skipping message send")
		return nil
	}

	if ds.conn == nil {
		return fmt.Errorf("NATS connection is not initialized")
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal payment event: %w", err)
	}

	if err := ds.conn.Publish(ds.subject, data); err != nil {
		return fmt.Errorf("failed to publish payment event: %w", err)
	}

	return nil
}

// Close closes the NATS connection
func (ds *DataSender) Close() {
	if ds.conn != nil {
		ds.conn.Close()
	}
}
