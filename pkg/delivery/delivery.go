// Package delivery implements the Delivery Engine: the per-message state
// machine queued -> injected -> verified -> active|failed described in
// spec §4.6, including echo/activity window timers and echo-timeout retry
// with backoff.
package delivery

import (
	"context"
	"time"

	"github.com/agentmesh/brokerd/pkg/events"
	"github.com/agentmesh/brokerd/pkg/log"
	"github.com/agentmesh/brokerd/pkg/metrics"
	"github.com/agentmesh/brokerd/pkg/types"
)

const (
	defaultEchoWindow     = 3 * time.Second
	defaultActivityWindow = 5 * time.Second
	maxAttempts           = 3
)

// DefaultRetryBackoff is the fixed retry ladder for echo_timeout (spec
// §4.6): 100ms, 400ms, 1600ms.
var DefaultRetryBackoff = []time.Duration{100 * time.Millisecond, 400 * time.Millisecond, 1600 * time.Millisecond}

// Writer is the narrow PTY-write contract the engine needs from
// pkg/ptysuper, kept here to avoid a hard dependency cycle.
type Writer interface {
	Write(ctx context.Context, data []byte, timeout time.Duration) error
}

// Timers abstracts scheduling delayed callbacks so tests can drive the
// engine without real sleeps.
type Timers interface {
	After(d time.Duration, fn func())
}

// realTimers is the production Timers backed by time.AfterFunc.
type realTimers struct{}

func (realTimers) After(d time.Duration, fn func()) { time.AfterFunc(d, fn) }

// Engine owns the set of in-flight Pending Deliveries and drives their
// state transitions. Like the Registry, it is single-writer: only the
// Broker Core goroutine calls into it.
type Engine struct {
	EchoWindow     time.Duration
	ActivityWindow time.Duration
	RetryBackoff   []time.Duration

	byMessageTarget map[string]*types.PendingDelivery // key: messageID+"|"+to
	timers          Timers
	bus             *events.Broker

	// Dispatch hands a timer-expiry mutation back to the single core
	// goroutine (spec §5) instead of letting it run on the timer's own
	// goroutine. nil runs it inline, which is correct for tests that
	// already drive timers synchronously from one goroutine.
	Dispatch func(func())

	OnRetryReady func(*types.PendingDelivery) // re-enqueue hook back to the scheduler
}

// New constructs an Engine publishing receipts onto bus.
func New(bus *events.Broker) *Engine {
	return &Engine{
		EchoWindow:      defaultEchoWindow,
		ActivityWindow:  defaultActivityWindow,
		RetryBackoff:    DefaultRetryBackoff,
		byMessageTarget: make(map[string]*types.PendingDelivery),
		timers:          realTimers{},
		bus:             bus,
	}
}

func key(d *types.PendingDelivery) string { return d.MessageID + "|" + d.To }

// dispatch runs fn through Dispatch when set, so a timer-originated
// mutation lands on the core goroutine rather than the timer's own.
func (e *Engine) dispatch(fn func()) {
	if e.Dispatch != nil {
		e.Dispatch(fn)
		return
	}
	fn()
}

// Accept registers a brand-new queued delivery.
func (e *Engine) Accept(d *types.PendingDelivery) {
	d.State = types.DeliveryQueued
	e.byMessageTarget[key(d)] = d
	e.emit(d, events.EventDeliveryQueued)
}

// Inject transitions a queued delivery to injected: it writes the framed
// message to the PTY, starts the echo-window timer, and emits the receipt.
// It reports a write_failed error immediately without going through the
// retry ladder, matching spec §4.6's "writes that fail at the PTY level
// immediately fail the delivery" rule.
func (e *Engine) Inject(ctx context.Context, d *types.PendingDelivery, w Writer, body []byte, offset int64) error {
	if err := w.Write(ctx, body, 0); err != nil {
		d.State = types.DeliveryFailed
		d.Reason = types.FailureWriteFailed
		e.emit(d, events.EventDeliveryFailed)
		return err
	}

	d.State = types.DeliveryInjected
	d.InjectedAt = time.Now()
	d.InjectedOffset = offset
	e.emit(d, events.EventDeliveryInjected)

	window := e.EchoWindow
	if window <= 0 {
		window = defaultEchoWindow
	}
	e.timers.After(window, func() { e.dispatch(func() { e.onEchoTimeout(d) }) })
	return nil
}

// OnEchoMatch transitions an injected delivery to verified and starts the
// activity-window timer.
func (e *Engine) OnEchoMatch(d *types.PendingDelivery) {
	if d.State != types.DeliveryInjected {
		return
	}
	d.State = types.DeliveryVerified
	metrics.EchoLatency.Observe(time.Since(d.InjectedAt).Seconds())
	e.emit(d, events.EventDeliveryVerified)

	window := e.ActivityWindow
	if window <= 0 {
		window = defaultActivityWindow
	}
	verifiedAt := time.Now()
	e.timers.After(window, func() { e.dispatch(func() { e.onActivityTimeout(d, verifiedAt) }) })
}

// OnActivityObserved transitions a verified delivery to active with normal
// certainty.
func (e *Engine) OnActivityObserved(d *types.PendingDelivery, verifiedAt time.Time) {
	if d.State != types.DeliveryVerified {
		return
	}
	d.State = types.DeliveryActive
	d.Certainty = ""
	metrics.ActivityLatency.Observe(time.Since(verifiedAt).Seconds())
	metrics.DeliveriesTotal.WithLabelValues("active", "").Inc()
	e.emit(d, events.EventDeliveryActive)
}

func (e *Engine) onActivityTimeout(d *types.PendingDelivery, verifiedAt time.Time) {
	if d.State != types.DeliveryVerified {
		return
	}
	d.State = types.DeliveryActive
	d.Certainty = "low"
	metrics.DeliveriesTotal.WithLabelValues("active", "low_certainty").Inc()
	e.emit(d, events.EventDeliveryActive)
}

func (e *Engine) onEchoTimeout(d *types.PendingDelivery) {
	if d.State != types.DeliveryInjected {
		return
	}

	d.AttemptCount++
	if d.AttemptCount >= maxAttempts {
		d.State = types.DeliveryFailed
		d.Reason = types.FailureEchoTimeout
		metrics.DeliveriesTotal.WithLabelValues("failed", string(types.FailureEchoTimeout)).Inc()
		e.emit(d, events.EventDeliveryFailed)
		return
	}

	backoff := e.RetryBackoff
	if len(backoff) == 0 {
		backoff = DefaultRetryBackoff
	}
	idx := d.AttemptCount - 1
	if idx >= len(backoff) {
		idx = len(backoff) - 1
	}
	d.State = types.DeliveryQueued
	log.WithAgent(d.To).With().Str("message_id", d.MessageID).Logger().
		Info().Int("attempt", d.AttemptCount).Msg("echo timeout, scheduling retry")
	e.timers.After(backoff[idx], func() {
		e.dispatch(func() {
			if e.OnRetryReady != nil {
				e.OnRetryReady(d)
			}
		})
	})
}

// Cancel fails a delivery with the given reason (agent_gone or canceled),
// valid from any non-terminal state.
func (e *Engine) Cancel(d *types.PendingDelivery, reason types.FailureReason) {
	if d.Terminal() {
		return
	}
	d.State = types.DeliveryFailed
	d.Reason = reason
	metrics.DeliveriesTotal.WithLabelValues("failed", string(reason)).Inc()
	e.emit(d, events.EventDeliveryFailed)
}

// Lookup returns the in-flight delivery for a message/target pair, if any.
func (e *Engine) Lookup(messageID, to string) *types.PendingDelivery {
	return e.byMessageTarget[messageID+"|"+to]
}

// CountByState tallies every tracked delivery by its current state, for the
// get_metrics control request.
func (e *Engine) CountByState() map[types.DeliveryState]int {
	out := make(map[types.DeliveryState]int, 6)
	for _, d := range e.byMessageTarget {
		out[d.State]++
	}
	return out
}

// Forget drops a terminal delivery from the in-flight index once its
// retention window has elapsed, so long-lived brokers don't grow this map
// without bound.
func (e *Engine) Forget(d *types.PendingDelivery) {
	delete(e.byMessageTarget, key(d))
}

func (e *Engine) emit(d *types.PendingDelivery, evType events.EventType) {
	metrics.DeliveriesByState.WithLabelValues(string(d.State)).Inc()
	if e.bus == nil {
		return
	}
	e.bus.Publish(&events.Event{
		Type:    evType,
		Message: d.MessageID,
		Metadata: map[string]string{
			"agent":   d.To,
			"from":    d.From,
			"reason":  string(d.Reason),
			"certainty": d.Certainty,
		},
	})
}
