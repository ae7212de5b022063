// Package notify provides a typed lifecycle-event registry for transaction
// state changes. Components call Trigger after committing a state change;
// handlers run sequentially in registration order and never block the
// caller's own error path.
package notify

import (
	"sync"

	"github.com/cngnramp/backend"
	"github.com/sirupsen/logrus"
)

// Registry dispatches rampcore.NotificationEvent occurrences to registered
// handlers. It is the default rampcore.NotificationSink implementation.
type Registry struct {
	mu       sync.RWMutex
	handlers map[rampcore.NotificationEvent][]func(*rampcore.Transaction)
	log      *logrus.Logger
}

// New creates an empty registry. If a handler is never registered for an
// event, Trigger is a silent no-op for that event.
func New(log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		handlers: make(map[rampcore.NotificationEvent][]func(*rampcore.Transaction)),
		log:      log,
	}
}

// On registers handler to run whenever event fires. Handlers registered for
// the same event run in registration order.
func (r *Registry) On(event rampcore.NotificationEvent, handler func(*rampcore.Transaction)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[event] = append(r.handlers[event], handler)
}

// Trigger runs every handler registered for event. A handler that panics is
// recovered and logged so one bad subscriber cannot take down the caller's
// own transition path; remaining handlers still run.
func (r *Registry) Trigger(event rampcore.NotificationEvent, tx *rampcore.Transaction) {
	r.mu.RLock()
	handlers := append([]func(*rampcore.Transaction){}, r.handlers[event]...)
	r.mu.RUnlock()

	for _, h := range handlers {
		r.runHandler(event, tx, h)
	}
}

func (r *Registry) runHandler(event rampcore.NotificationEvent, tx *rampcore.Transaction, h func(*rampcore.Transaction)) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithFields(logrus.Fields{
				"event":          event,
				"transaction_id": tx.TransactionID,
				"panic":          rec,
			}).Error("notification handler panicked")
		}
	}()
	h(tx)
}

// NewDefaultLoggingSink returns a Registry pre-wired to log every event at
// info level with structured fields, so a caller gets visibility with zero
// additional configuration.
func NewDefaultLoggingSink(log *logrus.Logger) *Registry {
	reg := New(log)
	for _, evt := range []rampcore.NotificationEvent{
		rampcore.EventOfframpStateChanged,
		rampcore.EventOfframpRefunded,
		rampcore.EventOfframpFailed,
		rampcore.EventPaymentInitiated,
		rampcore.EventPaymentConfirmed,
		rampcore.EventPaymentFailed,
		rampcore.EventStellarConfirmed,
		rampcore.EventStellarTimeout,
		rampcore.EventStellarFailed,
		rampcore.EventWebhookUnmatched,
	} {
		evt := evt
		reg.On(evt, func(tx *rampcore.Transaction) {
			fields := logrus.Fields{"event": evt}
			if tx != nil {
				fields["transaction_id"] = tx.TransactionID
				fields["status"] = tx.Status
				fields["type"] = tx.Type
			}
			reg.log.WithFields(fields).Info("transaction event")
		})
	}
	return reg
}

var _ rampcore.NotificationSink = (*Registry)(nil)
