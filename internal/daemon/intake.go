package daemon

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/msageha/tempvoice/internal/model"
	"github.com/msageha/tempvoice/internal/queue"
	"github.com/msageha/tempvoice/internal/uds"
)

// IntentRequest is the submission shape shared by the UDS enqueue command
// and inbox YAML files.
type IntentRequest struct {
	ID          string         `json:"id,omitempty" yaml:"id"`
	Action      string         `json:"action" yaml:"action"`
	ResourceID  string         `json:"resource_id" yaml:"resource_id"`
	GuildID     string         `json:"guild_id" yaml:"guild_id"`
	Priority    string         `json:"priority,omitempty" yaml:"priority"`
	Payload     map[string]any `json:"payload,omitempty" yaml:"payload"`
	TTLSec      int            `json:"ttl_sec,omitempty" yaml:"ttl_sec"`
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts"`
	Cost        int            `json:"cost,omitempty" yaml:"cost"`
	ParentID    string         `json:"parent_id,omitempty" yaml:"parent_id"`
}

// EnqueueResult reports the outcome of a submission.
type EnqueueResult struct {
	ID              string `json:"id"`
	Accepted        bool   `json:"accepted"`
	Reason          string `json:"reason,omitempty"`
	EstimatedWaitMs int64  `json:"estimated_wait_ms"`
}

// Build validates r and turns it into a pending intent. An empty priority
// means normal; a zero TTL means defaultTTL.
func (r IntentRequest) Build(defaultTTL time.Duration) (*model.Intent, error) {
	action := model.Action(r.Action)
	if !action.Known() {
		return nil, fmt.Errorf("%w: %q", model.ErrUnknownAction, r.Action)
	}

	priority := model.PriorityNormal
	if r.Priority != "" {
		p, err := model.ParsePriority(r.Priority)
		if err != nil {
			return nil, err
		}
		priority = p
	}

	var payload json.RawMessage
	if len(r.Payload) > 0 {
		raw, err := json.Marshal(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		payload = raw
	}
	if _, err := model.DecodePayload(action, payload); err != nil {
		return nil, err
	}

	ttl := defaultTTL
	if r.TTLSec > 0 {
		ttl = time.Duration(r.TTLSec) * time.Second
	}
	in, err := model.NewIntent(action, r.ResourceID, r.GuildID, priority, payload, ttl)
	if err != nil {
		return nil, fmt.Errorf("create intent: %w", err)
	}
	if r.ID != "" {
		in.ID = r.ID
	}
	if r.MaxAttempts > 0 {
		in.MaxAttempts = r.MaxAttempts
	}
	if r.Cost > 0 {
		in.Cost = r.Cost
	}
	in.ParentID = r.ParentID

	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// Build applies the configured default TTL.
func (d *Daemon) Build(r IntentRequest) (*model.Intent, error) {
	return r.Build(time.Duration(d.config.Inbox.DefaultTTL) * time.Second)
}

// Admit enqueues in and reports the outcome with a wait estimate.
func (d *Daemon) Admit(in *model.Intent, source string) EnqueueResult {
	ok, reason := d.queue.EnqueueWithReason(in)
	res := EnqueueResult{ID: in.ID, Accepted: ok, Reason: string(reason)}
	if ok {
		res.EstimatedWaitMs = d.queue.EstimateWaitTime(in.Priority).Milliseconds()
		d.logger.Infof("submit source=%s id=%s action=%s resource=%s guild=%s priority=%s",
			source, in.ID, in.Action, in.ResourceID, in.GuildID, in.Priority)
	} else {
		d.logger.Infof("submit_rejected source=%s id=%s action=%s reason=%s guild=%s guild_queued=%d",
			source, in.ID, in.Action, reason, in.GuildID, d.queue.GuildSize(in.GuildID))
	}
	return res
}

// rejectionCode maps a drop reason to the UDS error code the CLI sees.
func rejectionCode(reason queue.DropReason) string {
	switch reason {
	case queue.DropDuplicate:
		return uds.ErrCodeDuplicate
	case queue.DropInvalid:
		return uds.ErrCodeValidation
	default:
		return uds.ErrCodeBackpressure
	}
}
