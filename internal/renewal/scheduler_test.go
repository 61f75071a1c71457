package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/evapi"
)

// fakeNetwork simulates the charger network: one socket whose reservation
// state follows the reserve/cancel calls issued against it.
type fakeNetwork struct {
	mu sync.Mutex

	recharge     bool
	reserved     bool
	socketStatus string

	paymentMethod *evapi.PaymentMethod

	cancelCalls  int
	orderCalls   int
	reserveCalls int

	cancelErr  error
	reserveErr error
	statusErr  error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		socketStatus:  evapi.StatusAvailable,
		paymentMethod: &evapi.PaymentMethod{Token: "tok-42", CardNumber: "454881******0004"},
	}
}

func (f *fakeNetwork) TransactionInProgress(context.Context) (*evapi.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &evapi.Transaction{
		RechargeInProgress:    f.recharge,
		ReservationInProgress: f.reserved,
		CuprID:                123,
		PhysicalSocketID:      111,
		ReservationEndDate:    "2026-08-31 10:15:00",
	}, nil
}

func (f *fakeNetwork) ConnectorStatuses(_ context.Context, cuprIDs []int64) ([]evapi.Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status := f.socketStatus
	if f.reserved {
		status = evapi.StatusReserved
	}
	return []evapi.Connector{{
		CuprID:           123,
		CuprName:         "Plaza Mayor",
		PhysicalSocketID: 111,
		SocketType:       "CCS",
		Status:           status,
	}}, nil
}

func (f *fakeNetwork) ActivePaymentMethod(context.Context) (*evapi.PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paymentMethod, nil
}

func (f *fakeNetwork) CreateOrder(_ context.Context, _, _ int64, _ int) (*evapi.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderCalls++
	return &evapi.Order{OrderID: fmt.Sprintf("order-%d", f.orderCalls), TokenCod: "tok-42"}, nil
}

func (f *fakeNetwork) Reserve(_ context.Context, cuprID, physicalSocketID int64, orderID string) (*evapi.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveCalls++
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.reserved = true
	return &evapi.Reservation{
		ReservationID:    int64(1000 + f.reserveCalls),
		CuprID:           cuprID,
		PhysicalSocketID: physicalSocketID,
		EndDate:          "2026-08-31 10:15:00",
	}, nil
}

func (f *fakeNetwork) CancelReservation(context.Context, int64, int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.reserved = false
	return nil
}

func (f *fakeNetwork) counts() (cancels, orders, reserves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelCalls, f.orderCalls, f.reserveCalls
}

type fakeKeeper struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeKeeper) EnsureValid(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

type fakeExecutor struct {
	mu        sync.Mutex
	calls     int
	failAfter int // fail on calls beyond this count; 0 means never fail
}

func (f *fakeExecutor) Execute(context.Context, *evapi.Order, *evapi.PaymentMethod, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAfter > 0 && f.calls > f.failAfter {
		return errors.New("payment authorization rejected")
	}
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

func newTestScheduler(network *fakeNetwork, keeper *fakeKeeper, executor *fakeExecutor, notifier *recordingNotifier) *Scheduler {
	cfg := &config.Config{}
	cfg.Payment.AmountCents = 100
	s := NewScheduler(cfg, network, keeper, executor, notifier)
	s.interval = 25 * time.Millisecond
	s.settleDelay = time.Millisecond
	return s
}

func TestStartRejectsRunningRecharge(t *testing.T) {
	network := newFakeNetwork()
	network.recharge = true
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})

	err := s.Start(context.Background(), []int64{123})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.True(t, conflict.Recharge)
	assert.Equal(t, StateIdle, s.Status().State)
}

func TestStartRejectsExistingReservation(t *testing.T) {
	network := newFakeNetwork()
	network.reserved = true
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})

	err := s.Start(context.Background(), []int64{123})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.False(t, conflict.Recharge)
	assert.Equal(t, "2026-08-31 10:15:00", conflict.EndDate)
}

func TestStartNoAvailableSocket(t *testing.T) {
	network := newFakeNetwork()
	network.socketStatus = evapi.StatusOccupied
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})

	err := s.Start(context.Background(), []int64{123})
	assert.ErrorIs(t, err, ErrNoSocketAvailable)
}

func TestStartNoPaymentMethod(t *testing.T) {
	network := newFakeNetwork()
	network.paymentMethod = nil
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})

	err := s.Start(context.Background(), []int64{123})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payment method")
}

func TestStartFailsWhenSessionCannotBeEstablished(t *testing.T) {
	network := newFakeNetwork()
	keeper := &fakeKeeper{err: errors.New("no credentials configured")}
	s := newTestScheduler(network, keeper, &fakeExecutor{}, &recordingNotifier{})

	err := s.Start(context.Background(), []int64{123})
	require.Error(t, err)
	_, _, reserves := network.counts()
	assert.Zero(t, reserves)
}

func TestStartPlacesPaidReservation(t *testing.T) {
	network := newFakeNetwork()
	executor := &fakeExecutor{}
	notifier := &recordingNotifier{}
	s := newTestScheduler(network, &fakeKeeper{}, executor, notifier)
	s.interval = time.Hour // no renewal during this test

	require.NoError(t, s.Start(context.Background(), []int64{123}))
	defer s.Stop()

	status := s.Status()
	assert.Equal(t, StateActive, status.State)
	assert.Zero(t, status.Cycles)
	require.NotNil(t, status.Reservation)
	assert.Equal(t, int64(123), status.Reservation.CuprID)

	_, orders, reserves := network.counts()
	assert.Equal(t, 1, orders)
	assert.Equal(t, 1, reserves)
	assert.Equal(t, 1, executor.calls)
	require.Len(t, notifier.all(), 1)
	assert.Contains(t, notifier.all()[0], "Plaza Mayor")
}

func TestStartRefusesSecondRun(t *testing.T) {
	network := newFakeNetwork()
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})
	s.interval = time.Hour

	require.NoError(t, s.Start(context.Background(), []int64{123}))
	defer s.Stop()

	err := s.Start(context.Background(), []int64{123})
	assert.Error(t, err)
}

func TestRenewalCyclesCancelAndRecreate(t *testing.T) {
	network := newFakeNetwork()
	executor := &fakeExecutor{}
	notifier := &recordingNotifier{}
	s := newTestScheduler(network, &fakeKeeper{}, executor, notifier)

	require.NoError(t, s.Start(context.Background(), []int64{123}))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status().Cycles >= 2
	}, 5*time.Second, 5*time.Millisecond)

	s.Stop()
	status := s.Status()
	assert.Equal(t, StateStopped, status.State)
	assert.Empty(t, status.LastError)

	cancels, orders, reserves := network.counts()
	assert.GreaterOrEqual(t, cancels, 2)
	// Every reservation is paid: the initial one plus one per cycle.
	assert.Equal(t, reserves, orders)
	assert.Equal(t, reserves, executor.calls)
	assert.GreaterOrEqual(t, reserves, 3)

	messages := notifier.all()
	require.GreaterOrEqual(t, len(messages), 2)
	assert.Contains(t, messages[1], "Renewal")
}

func TestPaymentFailureStopsWithoutRetry(t *testing.T) {
	network := newFakeNetwork()
	executor := &fakeExecutor{failAfter: 1} // initial payment works, first renewal fails
	notifier := &recordingNotifier{}
	s := newTestScheduler(network, &fakeKeeper{}, executor, notifier)

	require.NoError(t, s.Start(context.Background(), []int64{123}))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status().State == StateStopped
	}, 5*time.Second, 5*time.Millisecond)

	status := s.Status()
	assert.Contains(t, status.LastError, "payment authorization rejected")
	assert.Zero(t, status.Cycles)

	_, _, reserves := network.counts()
	assert.Equal(t, 1, reserves, "a failed cycle must not be retried")
	assert.Equal(t, 2, executor.calls)

	messages := notifier.all()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[1], "stopped")
}

func TestSocketTakenAfterCancellationStops(t *testing.T) {
	network := newFakeNetwork()
	notifier := &recordingNotifier{}
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, notifier)

	require.NoError(t, s.Start(context.Background(), []int64{123}))
	defer s.Stop()

	// Someone grabs the socket the moment the reservation is cancelled.
	network.mu.Lock()
	network.socketStatus = evapi.StatusOccupied
	network.mu.Unlock()

	require.Eventually(t, func() bool {
		return s.Status().State == StateStopped
	}, 5*time.Second, 5*time.Millisecond)

	assert.Contains(t, s.Status().LastError, "taken")
	_, _, reserves := network.counts()
	assert.Equal(t, 1, reserves)
}

func TestRechargeStartedEndsTheRun(t *testing.T) {
	network := newFakeNetwork()
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})

	require.NoError(t, s.Start(context.Background(), []int64{123}))
	defer s.Stop()

	network.mu.Lock()
	network.recharge = true
	network.mu.Unlock()

	require.Eventually(t, func() bool {
		return s.Status().State == StateStopped
	}, 5*time.Second, 5*time.Millisecond)

	assert.Contains(t, s.Status().LastError, "recharge")
	cancels, _, _ := network.counts()
	assert.Zero(t, cancels, "never cancel under a running recharge")
}

func TestCancellationFailureIsTerminal(t *testing.T) {
	network := newFakeNetwork()
	network.cancelErr = errors.New("upstream rejected the cancellation")
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})

	require.NoError(t, s.Start(context.Background(), []int64{123}))
	defer s.Stop()

	require.Eventually(t, func() bool {
		return s.Status().State == StateStopped
	}, 5*time.Second, 5*time.Millisecond)

	assert.Contains(t, s.Status().LastError, "cancellation failed")
	cancels, _, reserves := network.counts()
	assert.Equal(t, 1, cancels)
	assert.Equal(t, 1, reserves)
}

func TestStopIsIdempotent(t *testing.T) {
	network := newFakeNetwork()
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})
	s.interval = time.Hour

	s.Stop() // before any Start: no-op
	require.NoError(t, s.Start(context.Background(), []int64{123}))
	s.Stop()
	s.Stop()
	assert.Equal(t, StateStopped, s.Status().State)
}

func TestStopLeavesReservationInPlace(t *testing.T) {
	network := newFakeNetwork()
	s := newTestScheduler(network, &fakeKeeper{}, &fakeExecutor{}, &recordingNotifier{})
	s.interval = time.Hour

	require.NoError(t, s.Start(context.Background(), []int64{123}))
	s.Stop()

	cancels, _, _ := network.counts()
	assert.Zero(t, cancels, "the last reservation expires on its own")
	network.mu.Lock()
	stillReserved := network.reserved
	network.mu.Unlock()
	assert.True(t, stillReserved)
}
