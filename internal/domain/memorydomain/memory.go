// Package memorydomain defines the orchestrator's working/episodic/semantic
// memory entity (spec §3).
package memorydomain

import (
	"context"
	"time"
)

// Tier classifies how a memory decays.
type Tier string

const (
	TierWorking  Tier = "working"
	TierEpisodic Tier = "episodic"
	TierSemantic Tier = "semantic"
)

// Memory is a stored fact, observation, or learned preference.
//
// Working memories decay over time (expire via ExpiresAt); semantic
// memories do not (spec §3).
type Memory struct {
	ID             string
	Key            string
	Namespace      string
	Content        string
	Tier           Tier
	Type           string
	TaskID         string
	GoalID         string
	Metadata       map[string]string
	AccessCount    int
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      *time.Time
}

// Store is the memory persistence port (C1).
type Store interface {
	Create(ctx context.Context, m *Memory) error
	Get(ctx context.Context, id string) (*Memory, error)
	GetByKey(ctx context.Context, namespace, key string) (*Memory, error)
	Update(ctx context.Context, m *Memory) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter) ([]*Memory, error)

	// Touch bumps AccessCount and LastAccessedAt for id.
	Touch(ctx context.Context, id string) error
	// DeleteExpired removes every memory whose ExpiresAt is before the
	// given time, whatever its tier, and returns how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Filter narrows List queries.
type Filter struct {
	Namespace string
	Tier      Tier
	TaskID    string
	GoalID    string
}
