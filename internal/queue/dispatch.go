package queue

import (
	"slices"
	"time"

	"github.com/msageha/tempvoice/internal/model"
)

// Dequeue removes and returns the next dispatchable intent, leasing its
// resource to the intent's ID. Expired intents met on the way are finalised;
// intents whose resource is leased to someone else, or whose retry delay has
// not elapsed, stay queued and are skipped so they never block unrelated
// work. Returns nil when nothing is dispatchable.
func (q *Queue) Dequeue() *model.Intent {
	var out outbox
	q.mu.Lock()
	in := q.dequeueLocked(&out)
	sink := q.sink
	q.mu.Unlock()

	out.flush(sink)
	return in
}

func (q *Queue) dequeueLocked(out *outbox) *model.Intent {
	now := q.now()
	changed := false
	defer func() {
		if changed {
			q.sortLocked()
		}
	}()

	for i := 0; i < len(q.entries); {
		e := q.entries[i]
		if e.intent.Expired(now) {
			q.removeAtLocked(i)
			q.expireLocked(e.intent, out)
			changed = true
			continue
		}

		if !e.intent.Ready(now) {
			i++
			continue
		}

		lease := q.leaseFor(e.intent, now)
		if !q.locks.Acquire(e.intent.ResourceID, e.intent.ID, lease, "dequeue:"+string(e.intent.Action)) {
			i++
			continue
		}

		q.removeAtLocked(i)
		changed = true
		e.intent.Status = model.StatusScheduled
		q.logger.Debugf("dequeue id=%s action=%s resource=%s lease=%s waited=%s",
			e.intent.ID, e.intent.Action, e.intent.ResourceID, lease, now.Sub(e.enqueuedAt).Round(time.Millisecond))
		out.dequeued(e.intent)
		return e.intent
	}
	return nil
}

// leaseFor is the lease taken on dequeue. With LeaseToDeadline the lease
// also covers the intent's remaining lifetime.
func (q *Queue) leaseFor(in *model.Intent, now time.Time) time.Duration {
	lease := q.opts.LeaseOnDequeue
	if q.opts.LeaseToDeadline {
		if remaining := in.ExpiresAt.Sub(now); remaining > lease {
			lease = remaining
		}
	}
	return lease
}

func (q *Queue) expireLocked(in *model.Intent, out *outbox) {
	in.Status = model.StatusExpired
	q.expired++
	q.logger.Debugf("expire id=%s action=%s resource=%s", in.ID, in.Action, in.ResourceID)
	out.expired(in)
}

// Peek purges expired intents at the head and returns a copy of the new
// head without removing it or taking a lease.
func (q *Queue) Peek() *model.Intent {
	var out outbox
	q.mu.Lock()
	now := q.now()
	changed := false
	for len(q.entries) > 0 && q.entries[0].intent.Expired(now) {
		e := q.removeAtLocked(0)
		q.expireLocked(e.intent, &out)
		changed = true
	}
	if changed {
		q.sortLocked()
	}
	var head *model.Intent
	if len(q.entries) > 0 {
		head = q.entries[0].intent.Clone()
	}
	sink := q.sink
	q.mu.Unlock()

	out.flush(sink)
	return head
}

// Complete releases any lease held by intentID. Idempotent.
func (q *Queue) Complete(intentID string) {
	if n := q.locks.ReleaseByHolder(intentID); n > 0 {
		q.logger.Debugf("complete id=%s released=%d", intentID, n)
	}
}

// Requeue resubmits an intent after a failed attempt. The caller increments
// Attempts before calling. Returns false when the intent is expired, out of
// attempts, hard-terminal, or rejected again by admission.
func (q *Queue) Requeue(in *model.Intent) bool {
	if in == nil {
		return false
	}
	q.locks.ReleaseByHolder(in.ID)

	var out outbox
	q.mu.Lock()
	ok := q.requeueLocked(in, &out)
	sink := q.sink
	q.mu.Unlock()

	out.flush(sink)
	return ok
}

func (q *Queue) requeueLocked(in *model.Intent, out *outbox) bool {
	if i := q.indexOfLocked(in.ID); i >= 0 {
		q.removeAtLocked(i)
		q.sortLocked()
	}

	if model.IsHardTerminal(in.Status) {
		return false
	}
	if in.Expired(q.now()) {
		q.expireLocked(in, out)
		return false
	}
	if !in.CanRetry() {
		in.Status = model.StatusFailed
		q.logger.Infof("retry_exhausted id=%s action=%s attempts=%d/%d last_error=%q",
			in.ID, in.Action, in.Attempts, in.MaxAttempts, in.LastError)
		return false
	}

	in.Status = model.StatusPending
	ok, reason := q.enqueueLocked(in, out)
	if ok {
		q.logger.Debugf("requeue id=%s attempts=%d/%d", in.ID, in.Attempts, in.MaxAttempts)
	} else {
		q.logger.Infof("requeue_rejected id=%s reason=%s", in.ID, reason)
	}
	return ok
}

// Cancel removes a queued intent, marks it cancelled, and releases any lease
// it holds. Reports whether the intent was queued. An intent already handed
// out by Dequeue is not queued: its lease stays with the running execution.
func (q *Queue) Cancel(intentID string) bool {
	var out outbox
	q.mu.Lock()
	i := q.indexOfLocked(intentID)
	if i >= 0 {
		e := q.removeAtLocked(i)
		q.sortLocked()
		e.intent.Status = model.StatusCancelled
		q.logger.Infof("cancel id=%s action=%s resource=%s", intentID, e.intent.Action, e.intent.ResourceID)
		out.dropped(e.intent, DropCancelled)
	}
	sink := q.sink
	q.mu.Unlock()

	if i >= 0 {
		q.locks.ReleaseByHolder(intentID)
	}
	out.flush(sink)
	return i >= 0
}

// PurgeExpired finalises every expired intent and returns how many were removed.
func (q *Queue) PurgeExpired() int {
	var out outbox
	q.mu.Lock()
	now := q.now()
	var gone []*entry
	for _, e := range q.entries {
		if e.intent.Expired(now) {
			gone = append(gone, e)
		}
	}
	if len(gone) > 0 {
		q.entries = slices.DeleteFunc(q.entries, func(e *entry) bool { return e.intent.Expired(now) })
	}
	for _, e := range gone {
		g := e.intent.GuildID
		if q.guildCounts[g] <= 1 {
			delete(q.guildCounts, g)
		} else {
			q.guildCounts[g]--
		}
		q.expireLocked(e.intent, &out)
	}
	if len(gone) > 0 {
		q.sortLocked()
	}
	sink := q.sink
	q.mu.Unlock()

	out.flush(sink)
	return len(gone)
}

// Start launches the periodic expiry sweep. Calling it twice is a no-op.
func (q *Queue) Start() {
	q.startMu.Lock()
	defer q.startMu.Unlock()
	if q.started {
		return
	}
	q.started = true
	go q.sweepLoop()
}

// Stop halts the sweep. Safe to call repeatedly and without Start.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.startMu.Lock()
	started := q.started
	q.startMu.Unlock()
	if started {
		<-q.doneCh
	}
}

func (q *Queue) sweepLoop() {
	defer close(q.doneCh)
	ticker := time.NewTicker(q.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if n := q.PurgeExpired(); n > 0 {
				q.logger.Infof("sweep expired=%d", n)
			}
		}
	}
}
