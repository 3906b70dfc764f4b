package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paygate/internal/event"
	"paygate/internal/lock"
	"paygate/internal/order"
	"paygate/internal/pending"
	"paygate/internal/provider"
)

// memPending is an in-memory pending-payment store.
type memPending struct {
	mu     sync.Mutex
	byID   map[int64]*pending.Payment
	nextID int64
}

func newMemPending() *memPending {
	return &memPending{byID: make(map[int64]*pending.Payment)}
}

func (m *memPending) add(cartID int64, paymentID, reference string, amountUnit int64) *pending.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p := &pending.Payment{
		ID:         m.nextID,
		CartID:     cartID,
		PaymentID:  paymentID,
		Reference:  reference,
		AmountUnit: amountUnit,
	}
	m.byID[p.ID] = p
	return p
}

func (m *memPending) GetByPaymentID(paymentID string) (*pending.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.byID {
		if p.PaymentID == paymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, pending.ErrNotFound
}

func (m *memPending) Delete(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	return nil
}

func (m *memPending) MarkOrder(id, orderID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return pending.ErrNotFound
	}
	p.OrderID = sql.NullInt64{Int64: orderID, Valid: true}
	return nil
}

func (m *memPending) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// memHost implements the host cart and order collaborators.
type memHost struct {
	mu          sync.Mutex
	cartTotals  map[int64]int64
	orders      map[int64]*order.Order
	nextOrderID int64
	finalized   int32
	cartErr     error
}

func newMemHost() *memHost {
	return &memHost{
		cartTotals: make(map[int64]int64),
		orders:     make(map[int64]*order.Order),
	}
}

func (h *memHost) CartTotal(ctx context.Context, cartID int64) (int64, string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cartTotals[cartID], "EUR", nil
}

func (h *memHost) Finalize(ctx context.Context, cartID, amountUnit int64, transactionID, reference string) (*order.Order, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	atomic.AddInt32(&h.finalized, 1)
	h.nextOrderID++
	o := &order.Order{ID: h.nextOrderID, CartID: cartID, Reference: reference, CustomerKey: "secret"}
	h.orders[cartID] = o
	return o, nil
}

func (h *memHost) GetByID(ctx context.Context, id int64) (*order.Order, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, o := range h.orders {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, order.ErrNotFound
}

func (h *memHost) GetByCartID(ctx context.Context, cartID int64) (*order.Order, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cartErr != nil {
		return nil, h.cartErr
	}
	if o, ok := h.orders[cartID]; ok {
		return o, nil
	}
	return nil, order.ErrNotFound
}

func (h *memHost) orderCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.orders)
}

type updateCall struct {
	id, action, idempotencyKey string
}

// fakeProvider is a scriptable remote payment API.
type fakeProvider struct {
	mu       sync.Mutex
	payments map[string]*provider.Payment
	getErr   error
	updateFn func(id, action, key string) (*provider.Payment, error)
	updates  []updateCall
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{payments: make(map[string]*provider.Payment)}
}

func (f *fakeProvider) set(p *provider.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[p.ID] = p
}

func (f *fakeProvider) GetPayment(ctx context.Context, id string) (*provider.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if p, ok := f.payments[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, &provider.Error{StatusCode: 404}
}

func (f *fakeProvider) UpdatePayment(ctx context.Context, id, action, idempotencyKey string) (*provider.Payment, error) {
	f.mu.Lock()
	f.updates = append(f.updates, updateCall{id, action, idempotencyKey})
	fn := f.updateFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, action, idempotencyKey)
	}
	return nil, &provider.Error{StatusCode: 400}
}

func (f *fakeProvider) updateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.updates...)
}

// memLocks serializes Block calls per name in-process.
type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (l *memLocks) Block(name string, timeout time.Duration, fn func() error) error {
	deadline := time.Now().Add(timeout)
	for {
		l.mu.Lock()
		if !l.held[name] {
			l.held[name] = true
			l.mu.Unlock()
			break
		}
		l.mu.Unlock()
		if time.Now().After(deadline) {
			return lock.ErrLockTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
	defer func() {
		l.mu.Lock()
		delete(l.held, name)
		l.mu.Unlock()
	}()
	return fn()
}

type memEvents struct {
	mu     sync.Mutex
	events []event.PaymentReconciled
}

func (m *memEvents) SendPaymentReconciled(e event.PaymentReconciled) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

type fixture struct {
	pending  *memPending
	host     *memHost
	provider *fakeProvider
	events   *memEvents
	rec      *Reconciler
}

func newFixture() *fixture {
	p := newMemPending()
	h := newMemHost()
	fp := newFakeProvider()
	ev := &memEvents{}

	fin := order.NewFinalizer(h, h, p)
	rec := NewReconciler(p, h, fp, fin, newMemLocks(), ev)

	return &fixture{pending: p, host: h, provider: fp, events: ev, rec: rec}
}

func TestReconcileNoPendingRecord(t *testing.T) {
	// Scenario A: unknown payment id is an idempotent no-op.
	f := newFixture()

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoPending, res.Outcome)
	assert.Zero(t, f.host.orderCount())
	assert.Empty(t, f.provider.updateCalls())
}

func TestReconcileAcceptedCreatesOrder(t *testing.T) {
	// Scenario B: matching amounts end in exactly one order and no pending row.
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.host.cartTotals[42] = 1000
	f.provider.set(&provider.Payment{ID: "P1", Status: provider.StatusAccepted, AmountUnit: 1000})

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeOrderCreated, res.Outcome)
	require.NotNil(t, res.Order)
	assert.Equal(t, int64(42), res.Order.CartID)
	assert.Zero(t, f.pending.count(), "pending row must be removed after read-back")
	assert.Equal(t, 1, f.host.orderCount())

	require.Len(t, f.events.events, 1)
	assert.Equal(t, string(OutcomeOrderCreated), f.events.events[0].Outcome)
	assert.Equal(t, res.Order.ID, f.events.events[0].OrderID)
}

func TestReconcileConcurrentTriggers(t *testing.T) {
	// Scenario C: two triggers race; exactly one creates the order.
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.host.cartTotals[42] = 1000
	f.provider.set(&provider.Payment{ID: "P1", Status: provider.StatusAccepted, AmountUnit: 1000})

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.rec.ReconcileLocked(context.Background(), "P1")
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.host.orderCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.host.finalized))

	created := 0
	for _, o := range outcomes {
		if o == OutcomeOrderCreated {
			created++
		} else {
			// The loser sees either the order or the cleaned-up pending row.
			assert.Contains(t, []Outcome{OutcomeAlreadyFinalized, OutcomeNoPending}, o)
		}
	}
	assert.Equal(t, 1, created)
}

func TestReconcileSequentialIdempotence(t *testing.T) {
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.host.cartTotals[42] = 1000
	f.provider.set(&provider.Payment{ID: "P1", Status: provider.StatusAccepted, AmountUnit: 1000})

	for i := 0; i < 5; i++ {
		_, err := f.rec.ReconcileLocked(context.Background(), "P1")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.host.orderCount())
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.host.finalized))
}

func TestReconcileRemoteCanceled(t *testing.T) {
	// Scenario D: canceled payment discards the pending row, no mutation sent.
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.provider.set(&provider.Payment{ID: "P1", Status: provider.StatusCanceled})

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCanceled, res.Outcome)
	assert.Zero(t, f.pending.count())
	assert.Zero(t, f.host.orderCount())
	assert.Empty(t, f.provider.updateCalls(), "no provider mutation for an already-canceled payment")
}

func TestReconcileLockTimeout(t *testing.T) {
	// Scenario E: lock held elsewhere surfaces ErrLockTimeout.
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)

	timeoutLocks := lockManagerFunc(func(name string, timeout time.Duration, fn func() error) error {
		return lock.ErrLockTimeout
	})
	rec := NewReconciler(f.pending, f.host, f.provider, order.NewFinalizer(f.host, f.host, f.pending), timeoutLocks, nil)

	_, err := rec.ReconcileLocked(context.Background(), "P1")
	assert.ErrorIs(t, err, lock.ErrLockTimeout)
	assert.Equal(t, 1, f.pending.count(), "pending row untouched on lock timeout")
}

type lockManagerFunc func(name string, timeout time.Duration, fn func() error) error

func (f lockManagerFunc) Block(name string, timeout time.Duration, fn func() error) error {
	return f(name, timeout, fn)
}

func TestReconcileAlreadyFinalized(t *testing.T) {
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.host.orders[42] = &order.Order{ID: 7, CartID: 42}

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyFinalized, res.Outcome)
	require.NotNil(t, res.Order)
	assert.Equal(t, int64(7), res.Order.ID)
	// No remote calls at all for an already-finalized cart.
	assert.Empty(t, f.provider.updateCalls())
}

func TestReconcileStampedOrderIDShortCircuits(t *testing.T) {
	// A stamped order id resolves the order directly, so a failing cart
	// lookup cannot turn a finalized payment into a retry.
	f := newFixture()
	p := f.pending.add(42, "P1", "REF1", 1000)
	f.host.orders[42] = &order.Order{ID: 7, CartID: 42, CustomerKey: "secret"}
	require.NoError(t, f.pending.MarkOrder(p.ID, 7))
	f.host.cartErr = errors.New("order lookup unavailable")

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyFinalized, res.Outcome)
	require.NotNil(t, res.Order)
	assert.Equal(t, int64(7), res.Order.ID)
	assert.Empty(t, f.provider.updateCalls())
}

func TestReconcileAmountMismatchCancelsOrRefunds(t *testing.T) {
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.host.cartTotals[42] = 1500 // cart changed after checkout started
	f.provider.set(&provider.Payment{ID: "P1", Status: provider.StatusAccepted, AmountUnit: 1000})

	t.Run("TerminalCancelDeletesPending", func(t *testing.T) {
		f.provider.updateFn = func(id, action, key string) (*provider.Payment, error) {
			return &provider.Payment{ID: id, Status: provider.StatusCanceled}, nil
		}

		res, err := f.rec.ReconcileLocked(context.Background(), "P1")
		require.NoError(t, err)

		assert.Equal(t, OutcomeCanceled, res.Outcome)
		assert.Zero(t, f.host.orderCount())
		assert.Zero(t, f.pending.count())

		calls := f.provider.updateCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, provider.ActionCancelOrRefund, calls[0].action)
		assert.Equal(t, "REF1", calls[0].idempotencyKey, "reference doubles as idempotency key")
	})
}

func TestReconcileAmountMismatchNonTerminalKeepsPending(t *testing.T) {
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.host.cartTotals[42] = 1500
	f.provider.set(&provider.Payment{ID: "P1", Status: provider.StatusAccepted, AmountUnit: 1000})
	f.provider.updateFn = func(id, action, key string) (*provider.Payment, error) {
		return &provider.Payment{ID: id, Status: provider.StatusPending}, nil
	}

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeRetryLater, res.Outcome)
	assert.Equal(t, 1, f.pending.count(), "pending row kept for a later retry")
}

func TestReconcilePendingCancelSucceeds(t *testing.T) {
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.provider.set(&provider.Payment{ID: "P1", Status: provider.StatusPending})
	f.provider.updateFn = func(id, action, key string) (*provider.Payment, error) {
		return &provider.Payment{ID: id, Status: provider.StatusCanceled}, nil
	}

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeCanceled, res.Outcome)
	assert.Zero(t, f.pending.count())

	calls := f.provider.updateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, provider.ActionCancel, calls[0].action)
}

func TestReconcilePendingCancelRacesAcceptance(t *testing.T) {
	// Cancel fails because the payer paid in the meantime; the re-check
	// finds ACCEPTED and finalizes.
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.host.cartTotals[42] = 1000
	f.provider.set(&provider.Payment{ID: "P1", Status: provider.StatusPending})
	f.provider.updateFn = func(id, action, key string) (*provider.Payment, error) {
		// Flip to ACCEPTED as the cancel is rejected.
		f.provider.set(&provider.Payment{ID: id, Status: provider.StatusAccepted, AmountUnit: 1000})
		return nil, &provider.Error{StatusCode: 400}
	}

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err)

	assert.Equal(t, OutcomeOrderCreated, res.Outcome)
	assert.Equal(t, 1, f.host.orderCount())
	assert.Zero(t, f.pending.count())
}

func TestReconcileProviderErrorLeavesPending(t *testing.T) {
	f := newFixture()
	f.pending.add(42, "P1", "REF1", 1000)
	f.provider.getErr = &provider.Error{Err: errors.New("connection refused")}

	res, err := f.rec.ReconcileLocked(context.Background(), "P1")
	require.NoError(t, err, "provider faults never propagate")

	assert.Equal(t, OutcomeRetryLater, res.Outcome)
	assert.Equal(t, 1, f.pending.count())
	assert.Zero(t, f.host.orderCount())
}
