package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultCost        = 1
)

// Intent is a request to perform one mutating action against one external resource.
type Intent struct {
	ID          string
	Action      Action
	ResourceID  string
	GuildID     string
	Priority    Priority
	Payload     json.RawMessage
	Status      Status
	Attempts    int
	MaxAttempts int
	Cost        int
	ExpiresAt   time.Time
	ParentID    string
	CreatedAt   time.Time
	LastError   string
	NotBefore   time.Time
}

// NewIntent builds a pending intent with a fresh ID that expires ttl from now.
func NewIntent(action Action, resourceID, guildID string, priority Priority, payload json.RawMessage, ttl time.Duration) (*Intent, error) {
	id, err := GenerateID(IDTypeIntent)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Intent{
		ID:          id,
		Action:      action,
		ResourceID:  resourceID,
		GuildID:     guildID,
		Priority:    priority,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: DefaultMaxAttempts,
		Cost:        DefaultCost,
		ExpiresAt:   now.Add(ttl),
		CreatedAt:   now,
	}, nil
}

func (i *Intent) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// Ready reports whether the retry delay recorded in NotBefore, if any, has
// elapsed.
func (i *Intent) Ready(now time.Time) bool {
	return i.NotBefore.IsZero() || !now.Before(i.NotBefore)
}

// CanRetry reports whether the retry budget allows another attempt.
func (i *Intent) CanRetry() bool {
	return i.Attempts < i.MaxAttempts
}

// DedupKey is the key under which logically equivalent intents collapse.
func (i *Intent) DedupKey() string {
	return DedupKey(i.Action, i.ResourceID, HashPayload(i.Payload))
}

// Clone returns a deep copy safe to hand to another goroutine.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	c := *i
	if i.Payload != nil {
		c.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	return &c
}

// Validate checks the fields every queued intent must carry.
func (i *Intent) Validate() error {
	switch {
	case i.ID == "":
		return fmt.Errorf("intent: missing id")
	case i.Action == "":
		return fmt.Errorf("intent %s: missing action", i.ID)
	case i.ResourceID == "":
		return fmt.Errorf("intent %s: missing resourceId", i.ID)
	case i.GuildID == "":
		return fmt.Errorf("intent %s: missing guildId", i.ID)
	case !i.Priority.Valid():
		return fmt.Errorf("intent %s: invalid priority %d", i.ID, i.Priority)
	case i.ExpiresAt.IsZero():
		return fmt.Errorf("intent %s: missing expiresAt", i.ID)
	}
	return nil
}

// intentJSON is the on-disk shape: camelCase names, ms-epoch timestamps.
type intentJSON struct {
	ID          string          `json:"id"`
	Action      Action          `json:"action"`
	ResourceID  string          `json:"resourceId"`
	GuildID     string          `json:"guildId"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Cost        int             `json:"cost"`
	ExpiresAt   int64           `json:"expiresAt"`
	ParentID    string          `json:"parentId,omitempty"`
	CreatedAt   int64           `json:"createdAt,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	NotBefore   int64           `json:"notBefore,omitempty"`
}

func (i Intent) MarshalJSON() ([]byte, error) {
	return json.Marshal(intentJSON{
		ID:          i.ID,
		Action:      i.Action,
		ResourceID:  i.ResourceID,
		GuildID:     i.GuildID,
		Priority:    i.Priority,
		Payload:     i.Payload,
		Status:      i.Status,
		Attempts:    i.Attempts,
		MaxAttempts: i.MaxAttempts,
		Cost:        i.Cost,
		ExpiresAt:   toMillis(i.ExpiresAt),
		ParentID:    i.ParentID,
		CreatedAt:   toMillis(i.CreatedAt),
		LastError:   i.LastError,
		NotBefore:   toMillis(i.NotBefore),
	})
}

func (i *Intent) UnmarshalJSON(data []byte) error {
	var w intentJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*i = Intent{
		ID:          w.ID,
		Action:      w.Action,
		ResourceID:  w.ResourceID,
		GuildID:     w.GuildID,
		Priority:    w.Priority,
		Payload:     w.Payload,
		Status:      w.Status,
		Attempts:    w.Attempts,
		MaxAttempts: w.MaxAttempts,
		Cost:        w.Cost,
		ExpiresAt:   fromMillis(w.ExpiresAt),
		ParentID:    w.ParentID,
		CreatedAt:   fromMillis(w.CreatedAt),
		LastError:   w.LastError,
		NotBefore:   fromMillis(w.NotBefore),
	}
	return nil
}

// QueuedIntent pairs an intent with the moment it entered the queue.
type QueuedIntent struct {
	Intent     *Intent
	EnqueuedAt time.Time
}

type queuedIntentJSON struct {
	Intent     *Intent `json:"intent"`
	EnqueuedAt int64   `json:"enqueuedAt"`
}

func (q QueuedIntent) MarshalJSON() ([]byte, error) {
	return json.Marshal(queuedIntentJSON{Intent: q.Intent, EnqueuedAt: toMillis(q.EnqueuedAt)})
}

func (q *QueuedIntent) UnmarshalJSON(data []byte) error {
	var w queuedIntentJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	q.Intent = w.Intent
	q.EnqueuedAt = fromMillis(w.EnqueuedAt)
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
