package events

import (
	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/internal/queue"
)

// QueueSink publishes queue notifications onto a Bus.
type QueueSink struct {
	bus *Bus
}

var _ queue.Sink = (*QueueSink)(nil)

func NewQueueSink(bus *Bus) *QueueSink {
	return &QueueSink{bus: bus}
}

func (s *QueueSink) OnEnqueued(in *model.Intent) {
	s.bus.Publish(EventIntentEnqueued, intentData(in))
}

func (s *QueueSink) OnDequeued(in *model.Intent) {
	s.bus.Publish(EventIntentDequeued, intentData(in))
}

func (s *QueueSink) OnDropped(in *model.Intent, reason queue.DropReason) {
	data := intentData(in)
	data["reason"] = string(reason)
	s.bus.Publish(EventIntentDropped, data)
}

func (s *QueueSink) OnExpired(in *model.Intent) {
	s.bus.Publish(EventIntentExpired, intentData(in))
}

func (s *QueueSink) OnPressure(level queue.PressureLevel, pct float64) {
	s.bus.Publish(EventQueuePressure, map[string]interface{}{
		"level":        string(level),
		"pressure_pct": pct,
	})
}

func intentData(in *model.Intent) map[string]interface{} {
	return map[string]interface{}{
		"intent_id":   in.ID,
		"action":      string(in.Action),
		"resource_id": in.ResourceID,
		"guild_id":    in.GuildID,
		"priority":    in.Priority.String(),
		"status":      string(in.Status),
		"attempts":    in.Attempts,
	}
}
