// Package queue implements the intent admission-and-scheduling core: a
// bounded, priority- and fairness-ordered queue whose dequeue is paired with
// a lease on the intent's target resource.
package queue

import (
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/msageha/tempvoice/internal/lock"
	"github.com/msageha/tempvoice/internal/logging"
	"github.com/msageha/tempvoice/internal/model"
)

// EmergencySignal reports whether the rate governor wants non-immediate work suppressed.
type EmergencySignal interface {
	IsInEmergencyMode() bool
}

type Options struct {
	GlobalCapacity      int
	PerGuildCapacity    int
	DedupWindow         time.Duration
	LeaseOnDequeue      time.Duration
	LeaseToDeadline     bool
	CleanupInterval     time.Duration
	PressureWarnPct     float64
	PressureCriticalPct float64
	MinInterActionDelay time.Duration
	FairnessThreshold   float64
	CostUnit            time.Duration
}

func OptionsFromConfig(cfg model.QueueConfig) Options {
	return Options{
		GlobalCapacity:      cfg.GlobalCapacity,
		PerGuildCapacity:    cfg.PerGuildCapacity,
		DedupWindow:         model.Millis(cfg.DedupWindowMs),
		LeaseOnDequeue:      model.Millis(cfg.LeaseDurationOnDequeueMs),
		LeaseToDeadline:     cfg.LeaseToDeadline,
		CleanupInterval:     model.Millis(cfg.CleanupIntervalMs),
		PressureWarnPct:     cfg.PressureWarnPct,
		PressureCriticalPct: cfg.PressureCriticalPct,
		MinInterActionDelay: model.Millis(cfg.MinInterActionDelayMs),
		FairnessThreshold:   cfg.FairnessThreshold,
		CostUnit:            model.Millis(cfg.CostUnitMs),
	}
}

func DefaultOptions() Options {
	cfg := model.DefaultConfig()
	return OptionsFromConfig(cfg.Queue)
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.GlobalCapacity <= 0 {
		o.GlobalCapacity = def.GlobalCapacity
	}
	if o.PerGuildCapacity <= 0 {
		o.PerGuildCapacity = def.PerGuildCapacity
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = def.DedupWindow
	}
	if o.LeaseOnDequeue <= 0 {
		o.LeaseOnDequeue = def.LeaseOnDequeue
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = def.CleanupInterval
	}
	if o.PressureWarnPct <= 0 {
		o.PressureWarnPct = def.PressureWarnPct
	}
	if o.PressureCriticalPct <= 0 {
		o.PressureCriticalPct = def.PressureCriticalPct
	}
	if o.MinInterActionDelay < 0 {
		o.MinInterActionDelay = 0
	}
	if o.FairnessThreshold < 0 {
		o.FairnessThreshold = def.FairnessThreshold
	}
	if o.CostUnit <= 0 {
		o.CostUnit = def.CostUnit
	}
}

type entry struct {
	intent     *model.Intent
	enqueuedAt time.Time
	seq        uint64
}

// Queue is safe for concurrent use; every exported method is one critical section.
type Queue struct {
	mu          sync.Mutex
	entries     []*entry
	guildCounts map[string]int
	seq         uint64
	dropped     uint64
	expired     uint64

	opts      Options
	locks     *lock.Manager
	emergency EmergencySignal
	sink      Sink
	logger    *logging.Logger
	now       func() time.Time

	saves singleflight.Group

	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func New(opts Options, locks *lock.Manager, logger *logging.Logger) *Queue {
	opts.applyDefaults()
	return &Queue{
		guildCounts: make(map[string]int),
		opts:        opts,
		locks:       locks,
		sink:        NopSink{},
		logger:      logger.With("queue"),
		now:         time.Now,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// SetSink installs the event sink. Must be called before the queue is shared.
func (q *Queue) SetSink(s Sink) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if s == nil {
		s = NopSink{}
	}
	q.sink = s
}

// SetEmergencySignal wires the rate governor. Must be called before the queue is shared.
func (q *Queue) SetEmergencySignal(e EmergencySignal) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.emergency = e
}

func (q *Queue) Options() Options {
	return q.opts
}

// Enqueue runs the admission pipeline and reports whether in was accepted.
// Rejected intents are marked dropped and reported to the sink.
func (q *Queue) Enqueue(in *model.Intent) bool {
	ok, _ := q.EnqueueWithReason(in)
	return ok
}

// EnqueueWithReason is Enqueue that also returns the rejection reason.
func (q *Queue) EnqueueWithReason(in *model.Intent) (bool, DropReason) {
	if in == nil {
		return false, DropInvalid
	}
	var out outbox
	q.mu.Lock()
	ok, reason := q.enqueueLocked(in, &out)
	sink := q.sink
	q.mu.Unlock()

	out.flush(sink)
	return ok, reason
}

func (q *Queue) enqueueLocked(in *model.Intent, out *outbox) (bool, DropReason) {
	now := q.now()

	if err := in.Validate(); err != nil {
		q.logger.Warnf("reject_invalid err=%v", err)
		return q.rejectLocked(in, DropInvalid, out)
	}

	if in.Priority != model.PriorityImmediate && q.emergency != nil && q.emergency.IsInEmergencyMode() {
		return q.rejectLocked(in, DropEmergencyMode, out)
	}

	// The victim is chosen now but evicted only once the intent is certain to
	// be admitted, so a later rejection never costs a queued intent.
	victim := -1
	if len(q.entries) >= q.opts.GlobalCapacity {
		victim = q.evictionCandidateLocked()
		if victim < 0 {
			if in.Priority == model.PriorityDroppable {
				return q.rejectLocked(in, DropQueueFullDroppable, out)
			}
			return q.rejectLocked(in, DropQueueFull, out)
		}
	}

	if in.Priority > model.PriorityCritical {
		count := q.guildCounts[in.GuildID]
		if victim >= 0 && q.entries[victim].intent.GuildID == in.GuildID {
			count--
		}
		if count >= q.opts.PerGuildCapacity {
			return q.rejectLocked(in, DropGuildQueueFull, out)
		}
	}

	if q.isDuplicateLocked(in, victim, now) {
		return q.rejectLocked(in, DropDuplicate, out)
	}

	if victim >= 0 {
		ev := q.removeAtLocked(victim)
		ev.intent.Status = model.StatusDropped
		q.dropped++
		q.logger.Infof("evict id=%s priority=%s guild=%s for=%s", ev.intent.ID, ev.intent.Priority, ev.intent.GuildID, in.ID)
		out.dropped(ev.intent, DropEvicted)
	}

	in.Status = model.StatusPending
	if in.MaxAttempts <= 0 {
		in.MaxAttempts = model.DefaultMaxAttempts
	}
	q.seq++
	q.entries = append(q.entries, &entry{intent: in, enqueuedAt: now, seq: q.seq})
	q.guildCounts[in.GuildID]++
	q.sortLocked()

	q.logger.Debugf("enqueue id=%s action=%s resource=%s guild=%s priority=%s size=%d",
		in.ID, in.Action, in.ResourceID, in.GuildID, in.Priority, len(q.entries))
	out.enqueued(in)

	pct := float64(len(q.entries)) / float64(q.opts.GlobalCapacity) * 100
	switch {
	case pct > q.opts.PressureCriticalPct:
		out.pressure(PressureCritical, pct)
	case pct > q.opts.PressureWarnPct:
		out.pressure(PressureHigh, pct)
	}
	return true, ""
}

func (q *Queue) rejectLocked(in *model.Intent, reason DropReason, out *outbox) (bool, DropReason) {
	in.Status = model.StatusDropped
	q.dropped++
	q.logger.Debugf("drop id=%s action=%s resource=%s guild=%s reason=%s", in.ID, in.Action, in.ResourceID, in.GuildID, reason)
	out.dropped(in, reason)
	return false, reason
}

// evictionCandidateLocked returns the index of the most recently enqueued
// droppable intent, else the most recent low one, else -1.
func (q *Queue) evictionCandidateLocked() int {
	for _, p := range []model.Priority{model.PriorityDroppable, model.PriorityLow} {
		best := -1
		for i, e := range q.entries {
			if e.intent.Priority != p {
				continue
			}
			if best < 0 || e.seq > q.entries[best].seq {
				best = i
			}
		}
		if best >= 0 {
			return best
		}
	}
	return -1
}

func (q *Queue) isDuplicateLocked(in *model.Intent, skip int, now time.Time) bool {
	key := in.DedupKey()
	for i, e := range q.entries {
		if i == skip {
			continue
		}
		other := e.intent
		if other.ID == in.ID {
			return true
		}
		if !model.IsLive(other.Status) || now.Sub(e.enqueuedAt) > q.opts.DedupWindow {
			continue
		}
		if in.ParentID != "" && in.ParentID == other.ID {
			continue
		}
		if other.ParentID != "" && other.ParentID == in.ID {
			continue
		}
		if other.DedupKey() == key {
			return true
		}
	}
	return false
}

func (q *Queue) removeAtLocked(i int) *entry {
	e := q.entries[i]
	q.entries = slices.Delete(q.entries, i, i+1)
	g := e.intent.GuildID
	if q.guildCounts[g] <= 1 {
		delete(q.guildCounts, g)
	} else {
		q.guildCounts[g]--
	}
	return e
}

func (q *Queue) indexOfLocked(id string) int {
	for i, e := range q.entries {
		if e.intent.ID == id {
			return i
		}
	}
	return -1
}

// sortLocked orders by priority, then by guild fairness weight when two
// guilds' weights differ by more than the threshold, then FIFO.
func (q *Queue) sortLocked() {
	maxCount := 0
	for _, c := range q.guildCounts {
		if c > maxCount {
			maxCount = c
		}
	}
	weight := func(guild string) float64 {
		if maxCount == 0 {
			return 0
		}
		return float64(q.guildCounts[guild]) / float64(maxCount)
	}

	sort.SliceStable(q.entries, func(i, j int) bool {
		a, b := q.entries[i], q.entries[j]
		if a.intent.Priority != b.intent.Priority {
			return a.intent.Priority < b.intent.Priority
		}
		wa, wb := weight(a.intent.GuildID), weight(b.intent.GuildID)
		if math.Abs(wa-wb) > q.opts.FairnessThreshold {
			return wa < wb
		}
		if !a.enqueuedAt.Equal(b.enqueuedAt) {
			return a.enqueuedAt.Before(b.enqueuedAt)
		}
		return a.seq < b.seq
	})
}
