package payment

import (
	"context"
	"fmt"

	"github.com/cargabot/cargabot/internal/evapi"
)

// Executor runs the pre-authorization payment tied to a reservation order.
type Executor interface {
	Execute(ctx context.Context, order *evapi.Order, method *evapi.PaymentMethod, amountCents int) error
}

// Failed reports a payment that did not complete. Stage names the step that
// broke: "signature", "authorization" or "confirmation".
type Failed struct {
	Stage string
	Cause error
}

func (e *Failed) Error() string {
	return fmt.Sprintf("payment failed during %s: %v", e.Stage, e.Cause)
}

func (e *Failed) Unwrap() error {
	return e.Cause
}
