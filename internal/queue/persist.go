package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/msageha/tempvoice/internal/atomicfile"
	"github.com/msageha/tempvoice/internal/model"
)

// ErrCorruptDump is returned by LoadFromFile when the dump could not be
// parsed. The file has been moved aside and the queue left untouched.
var ErrCorruptDump = errors.New("corrupt queue dump")

// SaveToFile writes the live queue to path as a JSON array of
// {intent, enqueuedAt}. The write is atomic; concurrent saves to the same
// path share one write. Failures are logged and returned, never fatal.
func (q *Queue) SaveToFile(path string) error {
	v, err, shared := q.saves.Do(path, func() (any, error) {
		records := q.Snapshot()
		if err := atomicfile.WriteJSON(path, records); err != nil {
			return 0, err
		}
		return len(records), nil
	})
	if err != nil {
		q.logger.Errorf("save_failed path=%s err=%v", path, err)
		return fmt.Errorf("save queue: %w", err)
	}
	q.logger.Infof("save path=%s intents=%d shared=%t", path, v.(int), shared)
	return nil
}

// LoadFromFile restores intents saved by SaveToFile and deletes the dump.
// A missing file is not an error. Scheduled and executing intents come back
// as pending; expired, terminal, malformed, duplicate, and over-capacity
// records are skipped individually. Returns the number restored.
func (q *Queue) LoadFromFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		q.logger.Errorf("load_failed path=%s err=%v", path, err)
		return 0, fmt.Errorf("read queue dump: %w", err)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		sidecar, mvErr := atomicfile.Sidecar(path, q.now())
		if mvErr != nil {
			q.logger.Errorf("load_corrupt path=%s err=%v sidecar_err=%v", path, err, mvErr)
		} else {
			q.logger.Errorf("load_corrupt path=%s err=%v moved_to=%s", path, err, sidecar)
		}
		return 0, fmt.Errorf("%w: %s: %v", ErrCorruptDump, path, err)
	}

	restored, skipped := q.restore(raw)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		q.logger.Warnf("load_cleanup_failed path=%s err=%v", path, err)
	}
	q.logger.Infof("load path=%s restored=%d skipped=%d", path, restored, skipped)
	return restored, nil
}

func (q *Queue) restore(raw []json.RawMessage) (restored, skipped int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for _, r := range raw {
		var rec model.QueuedIntent
		if err := json.Unmarshal(r, &rec); err != nil || rec.Intent == nil {
			skipped++
			continue
		}
		in := rec.Intent
		if err := in.Validate(); err != nil {
			q.logger.Debugf("load_skip reason=malformed err=%v", err)
			skipped++
			continue
		}
		if in.Expired(now) {
			skipped++
			continue
		}
		switch in.Status {
		case model.StatusScheduled, model.StatusExecuting, "":
			in.Status = model.StatusPending
		case model.StatusPending:
		default:
			skipped++
			continue
		}
		if q.indexOfLocked(in.ID) >= 0 || len(q.entries) >= q.opts.GlobalCapacity {
			skipped++
			continue
		}
		// Same quota as admission, in case the limit was lowered between runs.
		if in.Priority > model.PriorityCritical && q.guildCounts[in.GuildID] >= q.opts.PerGuildCapacity {
			q.logger.Debugf("load_skip reason=guild_quota id=%s guild=%s", in.ID, in.GuildID)
			skipped++
			continue
		}
		if in.MaxAttempts <= 0 {
			in.MaxAttempts = model.DefaultMaxAttempts
		}
		enqueuedAt := rec.EnqueuedAt
		if enqueuedAt.IsZero() {
			// Hand-written dumps may omit it; generated IDs carry their creation time.
			enqueuedAt = now
			if _, created, err := model.ParseID(in.ID); err == nil && created.Before(now) {
				enqueuedAt = created
			}
		}

		q.seq++
		q.entries = append(q.entries, &entry{intent: in, enqueuedAt: enqueuedAt, seq: q.seq})
		q.guildCounts[in.GuildID]++
		restored++
	}

	q.sortLocked()
	q.dropped = 0
	q.expired = 0
	return restored, skipped
}
