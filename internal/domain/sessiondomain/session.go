// Package sessiondomain defines the substrate session entity (spec §3) that
// projects one invocation of the Substrate port durably.
package sessiondomain

import (
	"context"
	"time"
)

// Status is a substrate session's lifecycle state. Transitions are
// forward-only (spec §3).
type Status string

const (
	StatusStarting     Status = "starting"
	StatusActive       Status = "active"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
	StatusTerminated   Status = "terminated"
)

// IsEnded reports whether s is a terminal session status.
func (s Status) IsEnded() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusTerminated:
		return true
	default:
		return false
	}
}

// TokenUsage accounts for one invocation's token consumption, with prompt
// caching counters (spec §3, §4.2 "Token accounting" invariant).
type TokenUsage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:      u.InputTokens + o.InputTokens,
		OutputTokens:     u.OutputTokens + o.OutputTokens,
		CacheReadTokens:  u.CacheReadTokens + o.CacheReadTokens,
		CacheWriteTokens: u.CacheWriteTokens + o.CacheWriteTokens,
	}
}

// Session is the durable projection of one Substrate invocation (spec §3).
type Session struct {
	ID               string
	TaskID           string
	TemplateName     string
	TemplateVersion  int64
	ConfigSnapshot   map[string]any
	Status           Status
	TurnCount        int
	Usage            TokenUsage
	Result           string
	Error            string
	ProcessID        int
	StartedAt        time.Time
	EndedAt          *time.Time
}

// Store is the substrate session persistence port (C1).
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	List(ctx context.Context, taskID string) ([]*Session, error)
}
