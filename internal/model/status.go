package model

import (
	"fmt"
	"strconv"
	"strings"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
	StatusDropped   Status = "dropped"
	StatusCancelled Status = "cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusExpired:   true,
	StatusDropped:   true,
	StatusCancelled: true,
}

// Hard-terminal intents are never resurrected by a retry.
var hardTerminalStatuses = map[Status]bool{
	StatusFailed:    true,
	StatusDropped:   true,
	StatusCancelled: true,
}

// pending → scheduled → executing → terminal; scheduled/executing → pending on retry.
var validIntentTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusScheduled: true,
		StatusExpired:   true,
		StatusDropped:   true,
		StatusCancelled: true,
	},
	StatusScheduled: {
		StatusExecuting: true,
		StatusPending:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusExpired:   true,
		StatusCancelled: true,
	},
	StatusExecuting: {
		StatusPending:   true,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusExpired:   true,
		StatusCancelled: true,
	},
}

func IsTerminal(s Status) bool {
	return terminalStatuses[s]
}

func IsHardTerminal(s Status) bool {
	return hardTerminalStatuses[s]
}

// IsLive reports whether an intent with this status may still sit in the queue.
func IsLive(s Status) bool {
	return s == StatusPending || s == StatusScheduled
}

func ValidateIntentTransition(from, to Status) error {
	if IsTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validIntentTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid intent transition: %q → %q", from, to)
	}
	return nil
}

// Priority orders intents; lower values are serviced first.
type Priority int

const (
	PriorityImmediate Priority = iota
	PriorityCritical
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityDroppable
)

var priorityNames = [...]string{"immediate", "critical", "high", "normal", "low", "droppable"}

// Priorities lists every priority from most to least urgent.
var Priorities = []Priority{
	PriorityImmediate, PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityDroppable,
}

func (p Priority) Valid() bool {
	return p >= PriorityImmediate && p <= PriorityDroppable
}

func (p Priority) String() string {
	if !p.Valid() {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// ParsePriority accepts either a priority name or its numeric value.
func ParsePriority(s string) (Priority, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range priorityNames {
		if s == name {
			return Priority(i), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Priority(n).Valid() {
		return 0, fmt.Errorf("invalid priority %q", s)
	}
	return Priority(n), nil
}
