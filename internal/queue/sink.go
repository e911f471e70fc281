package queue

import "github.com/msageha/tempvoice/internal/model"

// DropReason explains why an intent left the queue without being dispatched.
type DropReason string

const (
	DropEmergencyMode      DropReason = "emergency_mode"
	DropQueueFull          DropReason = "queue_full"
	DropQueueFullDroppable DropReason = "queue_full_droppable"
	DropGuildQueueFull     DropReason = "guild_queue_full"
	DropDuplicate          DropReason = "duplicate"
	DropInvalid            DropReason = "invalid"
	DropEvicted            DropReason = "evicted"
	DropCancelled          DropReason = "cancelled"
)

type PressureLevel string

const (
	PressureHigh     PressureLevel = "high"
	PressureCritical PressureLevel = "critical"
)

// Sink observes queue events. Calls are made after the queue's internal
// lock is released and receive copies, so implementations may call back
// into the queue. Events are notifications, not a source of truth.
type Sink interface {
	OnEnqueued(in *model.Intent)
	OnDequeued(in *model.Intent)
	OnDropped(in *model.Intent, reason DropReason)
	OnExpired(in *model.Intent)
	OnPressure(level PressureLevel, pct float64)
}

// NopSink ignores every event.
type NopSink struct{}

func (NopSink) OnEnqueued(*model.Intent) {}
func (NopSink) OnDequeued(*model.Intent) {}
func (NopSink) OnDropped(*model.Intent, DropReason) {}
func (NopSink) OnExpired(*model.Intent) {}
func (NopSink) OnPressure(PressureLevel, float64) {}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) OnEnqueued(in *model.Intent) {
	for _, s := range m {
		s.OnEnqueued(in)
	}
}

func (m MultiSink) OnDequeued(in *model.Intent) {
	for _, s := range m {
		s.OnDequeued(in)
	}
}

func (m MultiSink) OnDropped(in *model.Intent, reason DropReason) {
	for _, s := range m {
		s.OnDropped(in, reason)
	}
}

func (m MultiSink) OnExpired(in *model.Intent) {
	for _, s := range m {
		s.OnExpired(in)
	}
}

func (m MultiSink) OnPressure(level PressureLevel, pct float64) {
	for _, s := range m {
		s.OnPressure(level, pct)
	}
}

// outbox buffers events raised inside a critical section.
type outbox []func(Sink)

func (o *outbox) enqueued(in *model.Intent) {
	c := in.Clone()
	*o = append(*o, func(s Sink) { s.OnEnqueued(c) })
}

func (o *outbox) dequeued(in *model.Intent) {
	c := in.Clone()
	*o = append(*o, func(s Sink) { s.OnDequeued(c) })
}

func (o *outbox) dropped(in *model.Intent, reason DropReason) {
	c := in.Clone()
	*o = append(*o, func(s Sink) { s.OnDropped(c, reason) })
}

func (o *outbox) expired(in *model.Intent) {
	c := in.Clone()
	*o = append(*o, func(s Sink) { s.OnExpired(c) })
}

func (o *outbox) pressure(level PressureLevel, pct float64) {
	*o = append(*o, func(s Sink) { s.OnPressure(level, pct) })
}

func (o outbox) flush(s Sink) {
	for _, fn := range o {
		fn(s)
	}
}
