package notify

import "context"

// Notifier delivers operator-facing messages. Delivery is best effort:
// implementations log failures and never surface them into the flows that
// send the notification.
type Notifier interface {
	Notify(ctx context.Context, message string)
}

// Noop discards every message. Used when no notification channel is
// configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) {}
