package reconcile

import "context"

// Notifier receives every principal outcome after it is recorded.
// Implementations must not block the sync for long and report their own
// failures; a notifier can never fail a sync.
type Notifier interface {
	NotifySync(ctx context.Context, o *Outcome)
}

// Notifiers fans an outcome out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) NotifySync(ctx context.Context, o *Outcome) {
	for _, n := range ns {
		if n != nil {
			n.NotifySync(ctx, o)
		}
	}
}

type nopNotifier struct{}

func (nopNotifier) NotifySync(context.Context, *Outcome) {}
