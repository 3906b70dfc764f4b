package lock

import (
	"errors"
	"math/rand"
	"time"

	"github.com/golang/glog"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrLockTimeout is returned by Block when the lock could not be acquired
// within the given deadline.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// ErrNotAcquired is returned by Get when the lock is currently held elsewhere.
var ErrNotAcquired = errors.New("lock: not acquired")

const (
	// DefaultTTL is the lease duration used when none is given.
	DefaultTTL = 10 * time.Second

	// sleepInterval is how long Block waits between acquisition attempts.
	sleepInterval = 250 * time.Millisecond

	uniqueViolation = "23505"
)

// Manager creates database-backed locks bound to a shared table.
//
// Locks are stored in PostgreSQL so that mutual exclusion holds across
// independent request-handling processes, not just goroutines. Acquisition
// inserts a row keyed by name; when the row already exists it is stolen
// only if its lease has expired.
type Manager struct {
	db *sqlx.DB
}

// NewManager creates a lock manager and ensures the lock table exists.
func NewManager(db *sqlx.DB) (*Manager, error) {
	m := &Manager{db: db}
	if err := m.initSchema(); err != nil {
		glog.Errorf("Failed to initialize lock schema: %v", err)
		return nil, err
	}
	return m, nil
}

func (m *Manager) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS payment_locks (
		name VARCHAR(255) PRIMARY KEY,
		expires_at TIMESTAMPTZ NOT NULL
	);`

	_, err := m.db.Exec(schema)
	return err
}

// NewLock returns a lock handle for the given name. The name is typically a
// provider payment id, giving per-payment exclusivity.
func (m *Manager) NewLock(name string, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{
		db:   m.db,
		name: name,
		ttl:  ttl,
	}
}

// Block acquires the named lock with the default lease and runs fn while
// holding it, waiting up to timeout for acquisition.
func (m *Manager) Block(name string, timeout time.Duration, fn func() error) error {
	return m.NewLock(name, DefaultTTL).Block(timeout, fn)
}

// Lock is a named, expiring mutual-exclusion primitive.
type Lock struct {
	db   *sqlx.DB
	name string
	ttl  time.Duration
}

// Acquire attempts to take the lock once.
//
// It first tries to insert a fresh row. If the row already exists, it
// rewrites the lease only when the previous holder's lease has expired;
// acquisition succeeds iff that conditional update affects exactly one row.
func (l *Lock) Acquire() (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(l.ttl)

	acquired := false

	_, err := l.db.Exec(
		`INSERT INTO payment_locks (name, expires_at) VALUES ($1, $2)`,
		l.name, expiresAt,
	)
	if err == nil {
		acquired = true
	} else {
		var pqErr *pq.Error
		if !errors.As(err, &pqErr) || string(pqErr.Code) != uniqueViolation {
			return false, err
		}

		result, err := l.db.Exec(
			`UPDATE payment_locks SET expires_at = $1 WHERE name = $2 AND expires_at <= $3`,
			expiresAt, l.name, now,
		)
		if err != nil {
			return false, err
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		acquired = affected >= 1
	}

	// clean up expired locks every once in a while
	if rand.Intn(100) < 25 {
		if _, err := l.db.Exec(
			`DELETE FROM payment_locks WHERE expires_at <= $1`, now,
		); err != nil {
			glog.Warningf("Failed to sweep expired locks: %v", err)
		}
	}

	return acquired, nil
}

// Release unconditionally deletes the lock row. Releasing an expired or
// stolen lock is a no-op, not an error.
func (l *Lock) Release() error {
	_, err := l.db.Exec(`DELETE FROM payment_locks WHERE name = $1`, l.name)
	return err
}

// Get attempts to acquire the lock once and, on success, runs fn while
// holding it. The lock is released on every exit path, including a
// failing fn. Returns ErrNotAcquired when the lock is held elsewhere.
func (l *Lock) Get(fn func() error) error {
	acquired, err := l.Acquire()
	if err != nil {
		return err
	}
	if !acquired {
		return ErrNotAcquired
	}

	defer func() {
		if err := l.Release(); err != nil {
			glog.Warningf("Failed to release lock %s: %v", l.name, err)
		}
	}()

	return fn()
}

// Block polls Acquire until it succeeds or timeout elapses, then runs fn
// while holding the lock. Returns ErrLockTimeout when the deadline passes
// before acquisition.
func (l *Lock) Block(timeout time.Duration, fn func() error) error {
	start := time.Now()

	for {
		acquired, err := l.Acquire()
		if err != nil {
			return err
		}
		if acquired {
			break
		}

		if time.Since(start)+sleepInterval >= timeout {
			return ErrLockTimeout
		}

		time.Sleep(sleepInterval)
	}

	defer func() {
		if err := l.Release(); err != nil {
			glog.Warningf("Failed to release lock %s: %v", l.name, err)
		}
	}()

	return fn()
}
