package queue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/tempvoice/internal/model"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "state", "queue.json")

	first := h.intent("g1", "r1", model.PriorityHigh)
	first.Attempts = 1
	require.True(t, h.q.Enqueue(first))
	h.clock.Advance(time.Second)
	second := h.intent("g2", "r2", model.PriorityNormal)
	require.True(t, h.q.Enqueue(second))
	require.NoError(t, h.q.SaveToFile(path))

	var records []map[string]json.RawMessage
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)
	assert.Contains(t, records[0], "intent")
	assert.Contains(t, records[0], "enqueuedAt")

	restored := newHarness(t, nil)
	restored.clock.Advance(2 * time.Second)
	n, err := restored.q.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoFileExists(t, path)

	head := restored.q.Dequeue()
	require.NotNil(t, head)
	assert.Equal(t, first.ID, head.ID)
	assert.Equal(t, 1, head.Attempts)
	assert.Equal(t, int64(1000), restored.q.Stats().OldestAgeMs, "enqueue time survives the round trip")
}

func TestLoad_NormalisesAndSkips(t *testing.T) {
	h := newHarness(t, nil)
	now := h.clock.Now()
	path := filepath.Join(t.TempDir(), "queue.json")

	mk := func(id string, status model.Status, expires time.Time) model.QueuedIntent {
		return model.QueuedIntent{
			Intent: &model.Intent{
				ID: id, Action: model.ActionLockChannel, ResourceID: "res-" + id, GuildID: "g",
				Priority: model.PriorityNormal, Status: status, ExpiresAt: expires,
			},
			EnqueuedAt: now.Add(-time.Second),
		}
	}
	records := []any{
		mk("sched", model.StatusScheduled, now.Add(time.Minute)),
		mk("exec", model.StatusExecuting, now.Add(time.Minute)),
		mk("stale", model.StatusPending, now.Add(-time.Minute)),
		mk("done", model.StatusCompleted, now.Add(time.Minute)),
		mk("sched", model.StatusPending, now.Add(time.Minute)),
		map[string]any{"intent": map[string]any{"id": "broken"}},
		"not an object",
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	n, err := h.q.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, qi := range h.q.Snapshot() {
		assert.Equal(t, model.StatusPending, qi.Intent.Status)
		assert.Equal(t, model.DefaultMaxAttempts, qi.Intent.MaxAttempts)
	}
	assert.True(t, h.q.Has("sched"))
	assert.True(t, h.q.Has("exec"))
	assert.False(t, h.q.Has("stale"))
}

func TestLoad_MissingEnqueueTimeFallsBackToID(t *testing.T) {
	h := newHarness(t, nil)
	now := h.clock.Now()
	path := filepath.Join(t.TempDir(), "queue.json")

	created := now.Add(-90 * time.Second)
	id := fmt.Sprintf("int_%010d_0badcafe", created.Unix())
	records := []map[string]any{
		{"intent": map[string]any{
			"id": id, "action": "lock_channel", "resourceId": "c1", "guildId": "g",
			"priority": 3, "status": "pending", "expiresAt": now.Add(time.Minute).UnixMilli(),
		}},
		{"intent": map[string]any{
			"id": "custom-id", "action": "lock_channel", "resourceId": "c2", "guildId": "g",
			"priority": 3, "status": "pending", "expiresAt": now.Add(time.Minute).UnixMilli(),
		}},
	}
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	n, err := h.q.LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	assert.Equal(t, int64(90_000), h.q.Stats().OldestAgeMs)
}

func TestLoad_RespectsCapacity(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.GlobalCapacity = 1
		o.PerGuildCapacity = 1
	})
	path := filepath.Join(t.TempDir(), "queue.json")

	src := newHarness(t, nil)
	require.True(t, src.q.Enqueue(src.intent("g", "a", model.PriorityNormal)))
	require.True(t, src.q.Enqueue(src.intent("g", "b", model.PriorityNormal)))
	require.NoError(t, src.q.SaveToFile(path))

	n, err := h.q.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.q.Size())
}

func TestLoad_RespectsLoweredGuildQuota(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	src := newHarness(t, nil)
	for _, r := range []string{"a", "b", "c"} {
		require.True(t, src.q.Enqueue(src.intent("g1", r, model.PriorityNormal)))
	}
	urgent := src.intent("g1", "d", model.PriorityCritical)
	require.True(t, src.q.Enqueue(urgent))
	require.True(t, src.q.Enqueue(src.intent("g2", "e", model.PriorityNormal)))
	require.NoError(t, src.q.SaveToFile(path))

	h := newHarness(t, func(o *Options) { o.PerGuildCapacity = 2 })
	n, err := h.q.LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "one normal g1 intent over quota is skipped")
	assert.Equal(t, 3, h.q.GuildSize("g1"), "critical intents are exempt from the quota")
	assert.Equal(t, 1, h.q.GuildSize("g2"))
	assert.True(t, h.q.Has(urgent.ID))
}

func TestLoad_CorruptFileMovedAside(t *testing.T) {
	h := newHarness(t, nil)
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	n, err := h.q.LoadFromFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptDump)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h.q.Size())
	assert.NoFileExists(t, path)

	matches, err := filepath.Glob(filepath.Join(dir, "queue.json.corrupt-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestLoad_MissingFile(t *testing.T) {
	h := newHarness(t, nil)
	n, err := h.q.LoadFromFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSave_EmptyQueueWritesEmptyArray(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, h.q.SaveToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, "[]", string(data))
}
