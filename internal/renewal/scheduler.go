package renewal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cargabot/cargabot/internal/config"
	"github.com/cargabot/cargabot/internal/evapi"
	"github.com/cargabot/cargabot/internal/notify"
	"github.com/cargabot/cargabot/internal/payment"
)

// The reservation window is 15 minutes with free cancellation inside it.
// Renewing at 14 minutes keeps a safety margin while holding the socket
// continuously.
const defaultInterval = 14 * time.Minute

// settleDelay gives the upstream time to propagate a cancellation before
// the socket is re-checked and re-reserved.
const defaultSettleDelay = 2 * time.Second

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateRenewing State = "renewing"
	StateStopped  State = "stopped"
)

// ErrNoSocketAvailable is returned when none of the watched chargers has an
// AVAILABLE connector.
var ErrNoSocketAvailable = errors.New("no available socket")

// ConflictError reports that the network already has a transaction running
// for this user, so a new reservation cannot be started.
type ConflictError struct {
	Recharge bool
	EndDate  string
}

func (e *ConflictError) Error() string {
	if e.Recharge {
		return "a recharge is already in progress"
	}
	return fmt.Sprintf("a reservation is already in progress until %s", e.EndDate)
}

// API is the slice of the charger-network client the scheduler needs.
// *evapi.Client satisfies it.
type API interface {
	TransactionInProgress(ctx context.Context) (*evapi.Transaction, error)
	ConnectorStatuses(ctx context.Context, cuprIDs []int64) ([]evapi.Connector, error)
	ActivePaymentMethod(ctx context.Context) (*evapi.PaymentMethod, error)
	CreateOrder(ctx context.Context, cuprID, physicalSocketID int64, amountCents int) (*evapi.Order, error)
	Reserve(ctx context.Context, cuprID, physicalSocketID int64, orderID string) (*evapi.Reservation, error)
	CancelReservation(ctx context.Context, cuprID, physicalSocketID int64) error
}

// SessionKeeper repairs the auth session before each cycle.
// *auth.Authenticator satisfies it.
type SessionKeeper interface {
	EnsureValid(ctx context.Context) error
}

// Scheduler holds a charging socket indefinitely by cancelling and
// recreating a paid reservation on a fixed cadence.
//
// Every cycle is a full paid sequence: cancel, settle, re-check the socket,
// fetch the payment method, create an order, pay, reserve. Any failure in
// the sequence is terminal for the run: the scheduler stops and notifies
// instead of retrying, because a half-done cycle can leave a charge behind
// and blind retries would stack charges.
type Scheduler struct {
	api      API
	auth     SessionKeeper
	payments payment.Executor
	notifier notify.Notifier

	interval    time.Duration
	settleDelay time.Duration
	amountCents int

	mu       sync.Mutex
	state    State
	current  *evapi.Reservation
	cycles   int
	lastErr  error
	stopOnce *sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewScheduler(cfg *config.Config, api API, auth SessionKeeper, payments payment.Executor, notifier notify.Notifier) *Scheduler {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Scheduler{
		api:         api,
		auth:        auth,
		payments:    payments,
		notifier:    notifier,
		interval:    defaultInterval,
		settleDelay: defaultSettleDelay,
		amountCents: cfg.Payment.AmountCents,
		state:       StateIdle,
	}
}

// Status is a point-in-time snapshot for the status endpoint.
type Status struct {
	State       State              `json:"state"`
	Cycles      int                `json:"cycles"`
	Reservation *evapi.Reservation `json:"reservation,omitempty"`
	LastError   string             `json:"lastError,omitempty"`
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{State: s.state, Cycles: s.cycles, Reservation: s.current}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Start makes the initial reservation on the first available socket of the
// given chargers and begins the renewal loop. It returns once the first
// reservation is placed; the loop runs until Stop or a terminal failure.
func (s *Scheduler) Start(ctx context.Context, cuprIDs []int64) error {
	s.mu.Lock()
	if s.state == StateActive || s.state == StateRenewing {
		s.mu.Unlock()
		return fmt.Errorf("renewal already running")
	}
	s.mu.Unlock()

	if err := s.auth.EnsureValid(ctx); err != nil {
		return fmt.Errorf("could not establish a session: %w", err)
	}

	transaction, err := s.api.TransactionInProgress(ctx)
	if err != nil {
		return err
	}
	if transaction.RechargeInProgress {
		return &ConflictError{Recharge: true}
	}
	if transaction.ReservationInProgress {
		return &ConflictError{EndDate: transaction.ReservationEndDate}
	}

	connector, err := s.findAvailable(ctx, cuprIDs)
	if err != nil {
		return err
	}
	log.Infof("reserving %s socket %d at %s", connector.SocketType, connector.PhysicalSocketID, connector.CuprName)

	reservation, err := s.paidReservation(ctx, connector.CuprID, connector.PhysicalSocketID)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.state = StateActive
	s.current = reservation
	s.cycles = 0
	s.lastErr = nil
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.mu.Unlock()

	s.notifier.Notify(ctx, fmt.Sprintf("🔌 Reserved socket %d at *%s* until %s. Auto-renewal is on.",
		connector.PhysicalSocketID, connector.CuprName, reservation.EndDate))

	go s.loop(loopCtx)
	return nil
}

// Stop ends the renewal loop and waits for it to finish. The active
// reservation is left in place; it simply expires when its window ends.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done, once := s.cancel, s.done, s.stopOnce
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	once.Do(cancel)
	<-done

	s.mu.Lock()
	if s.state != StateStopped {
		s.state = StateStopped
	}
	s.mu.Unlock()
	log.Info("renewal stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setStopped(nil)
			return
		case <-timer.C:
		}

		s.setState(StateRenewing)
		reservation, err := s.renewCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				s.setStopped(nil)
				return
			}
			log.Errorf("renewal cycle failed: %v", err)
			s.setStopped(err)
			s.notifier.Notify(ctx, fmt.Sprintf("⚠️ Auto-renewal stopped: %v", err))
			return
		}

		s.mu.Lock()
		s.state = StateActive
		s.current = reservation
		s.cycles++
		cycles := s.cycles
		s.mu.Unlock()
		log.Infof("renewal cycle %d complete, next at %s", cycles, time.Now().Add(s.interval).Format(time.RFC3339))
		s.notifier.Notify(ctx, fmt.Sprintf("🔄 Renewal %d complete, socket held until %s.", cycles, reservation.EndDate))

		timer.Reset(s.interval)
	}
}

// renewCycle runs one cancel-and-recreate sequence for the current socket.
func (s *Scheduler) renewCycle(ctx context.Context) (*evapi.Reservation, error) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()
	if current == nil {
		return nil, fmt.Errorf("no reservation to renew")
	}

	if err := s.auth.EnsureValid(ctx); err != nil {
		return nil, fmt.Errorf("session could not be repaired: %w", err)
	}

	transaction, err := s.api.TransactionInProgress(ctx)
	if err != nil {
		return nil, err
	}
	if transaction.RechargeInProgress {
		// The car is plugged in and charging; holding the socket is done.
		return nil, fmt.Errorf("a recharge started on the socket")
	}
	if !transaction.ReservationInProgress {
		return nil, fmt.Errorf("the reservation disappeared upstream")
	}

	if err = s.api.CancelReservation(ctx, current.CuprID, current.PhysicalSocketID); err != nil {
		return nil, fmt.Errorf("cancellation failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.settleDelay):
	}

	connectors, err := s.api.ConnectorStatuses(ctx, []int64{current.CuprID})
	if err != nil {
		return nil, fmt.Errorf("socket re-check failed: %w", err)
	}
	available := false
	for _, c := range connectors {
		if c.PhysicalSocketID == current.PhysicalSocketID && c.Available() {
			available = true
			break
		}
	}
	if !available {
		return nil, fmt.Errorf("socket %d was taken after cancellation", current.PhysicalSocketID)
	}

	return s.paidReservation(ctx, current.CuprID, current.PhysicalSocketID)
}

// paidReservation runs the payment-then-reserve sequence for one socket.
func (s *Scheduler) paidReservation(ctx context.Context, cuprID, physicalSocketID int64) (*evapi.Reservation, error) {
	method, err := s.api.ActivePaymentMethod(ctx)
	if err != nil {
		return nil, err
	}
	if method == nil {
		return nil, fmt.Errorf("no payment method is configured")
	}

	order, err := s.api.CreateOrder(ctx, cuprID, physicalSocketID, s.amountCents)
	if err != nil {
		return nil, err
	}

	if err = s.payments.Execute(ctx, order, method, s.amountCents); err != nil {
		return nil, err
	}

	reservation, err := s.api.Reserve(ctx, cuprID, physicalSocketID, order.OrderID)
	if err != nil {
		return nil, fmt.Errorf("reservation after payment failed: %w", err)
	}
	return reservation, nil
}

func (s *Scheduler) findAvailable(ctx context.Context, cuprIDs []int64) (*evapi.Connector, error) {
	connectors, err := s.api.ConnectorStatuses(ctx, cuprIDs)
	if err != nil {
		return nil, err
	}
	for _, c := range connectors {
		if c.Available() {
			return &c, nil
		}
	}
	return nil, ErrNoSocketAvailable
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) setStopped(err error) {
	s.mu.Lock()
	s.state = StateStopped
	s.lastErr = err
	s.mu.Unlock()
}
