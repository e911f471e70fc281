package queue

import (
	"time"

	"github.com/msageha/tempvoice/internal/model"
)

type Stats struct {
	Size        int            `json:"size" yaml:"size"`
	Capacity    int            `json:"capacity" yaml:"capacity"`
	PressurePct float64        `json:"pressure_pct" yaml:"pressure_pct"`
	ByPriority  map[string]int `json:"by_priority" yaml:"by_priority"`
	ByGuild     map[string]int `json:"by_guild" yaml:"by_guild"`
	ByAction    map[string]int `json:"by_action" yaml:"by_action"`
	OldestAgeMs int64          `json:"oldest_age_ms" yaml:"oldest_age_ms"`
	Dropped     uint64         `json:"dropped" yaml:"dropped"`
	Expired     uint64         `json:"expired" yaml:"expired"`
	ActiveLocks int            `json:"active_locks" yaml:"active_locks"`
}

func (q *Queue) Stats() Stats {
	activeLocks := q.locks.Count()

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	s := Stats{
		Size:        len(q.entries),
		Capacity:    q.opts.GlobalCapacity,
		PressurePct: float64(len(q.entries)) / float64(q.opts.GlobalCapacity) * 100,
		ByPriority:  make(map[string]int),
		ByGuild:     make(map[string]int),
		ByAction:    make(map[string]int),
		Dropped:     q.dropped,
		Expired:     q.expired,
		ActiveLocks: activeLocks,
	}
	var oldest time.Time
	for _, e := range q.entries {
		s.ByPriority[e.intent.Priority.String()]++
		s.ByAction[string(e.intent.Action)]++
		if oldest.IsZero() || e.enqueuedAt.Before(oldest) {
			oldest = e.enqueuedAt
		}
	}
	for g, c := range q.guildCounts {
		s.ByGuild[g] = c
	}
	if !oldest.IsZero() {
		s.OldestAgeMs = now.Sub(oldest).Milliseconds()
	}
	return s
}

// EstimateWaitTime is an advisory ETA for a new intent of priority p: the
// cost of everything queued at the same or higher urgency plus the pacing
// delay between actions.
func (q *Queue) EstimateWaitTime(p model.Priority) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	cost, count := 0, 0
	for _, e := range q.entries {
		if e.intent.Priority > p {
			continue
		}
		c := e.intent.Cost
		if c <= 0 {
			c = model.DefaultCost
		}
		cost += c
		count++
	}
	return time.Duration(cost)*q.opts.CostUnit + time.Duration(count)*q.opts.MinInterActionDelay
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Queue) GuildSize(guildID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.guildCounts[guildID]
}

func (q *Queue) Has(intentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.indexOfLocked(intentID) >= 0
}

// Snapshot returns copies of the queued intents in dispatch order.
func (q *Queue) Snapshot() []model.QueuedIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) snapshotLocked() []model.QueuedIntent {
	out := make([]model.QueuedIntent, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, model.QueuedIntent{Intent: e.intent.Clone(), EnqueuedAt: e.enqueuedAt})
	}
	return out
}
