// Package agentdomain defines agent templates and instances (spec §3).
package agentdomain

import (
	"context"
	"time"
)

// Tier classifies a template's capability level.
type Tier string

const (
	TierWorker     Tier = "worker"
	TierSpecialist Tier = "specialist"
	TierArchitect  Tier = "architect"
	TierOvermind   Tier = "overmind"
)

// TemplateStatus is a template's lifecycle state.
type TemplateStatus string

const (
	TemplateActive     TemplateStatus = "active"
	TemplateDisabled   TemplateStatus = "disabled"
	TemplateDeprecated TemplateStatus = "deprecated"
)

// Capability describes one thing an agent spawned from a template can do.
type Capability struct {
	Name        string
	Description string
}

// Constraint is a rule an agent spawned from a template must respect.
type Constraint struct {
	Name        string
	Description string
}

// Template is a versioned blueprint for spawning agents (spec §3).
//
// (name, version) is unique. The store's ActiveLatest query orders by
// is_active DESC, version DESC so multiple tolerated actives (a migration
// artifact, spec §9 open question b) never produce an ambiguous result.
type Template struct {
	ID           string
	Name         string
	Tier         Tier
	Version      int64
	SystemPrompt string
	Capabilities []Capability
	Constraints  []Constraint
	MaxTurns     int
	ReadOnly     bool
	Status       TemplateStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InstanceStatus is an agent instance's lifecycle state.
type InstanceStatus string

const (
	InstanceIdle      InstanceStatus = "idle"
	InstanceRunning   InstanceStatus = "running"
	InstanceCompleted InstanceStatus = "completed"
	InstanceFailed    InstanceStatus = "failed"
)

// Instance is one spawned agent, created idle and moving to running on
// assignment and completed/failed terminally (spec §3).
type Instance struct {
	ID             string
	TemplateID     string
	TemplateName   string
	CurrentTaskID  string
	TurnCount      int
	Status         InstanceStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TemplateStore is the agent template persistence port (C1).
type TemplateStore interface {
	Create(ctx context.Context, t *Template) error
	Get(ctx context.Context, id string) (*Template, error)
	// Update rejects the write if the stored row's version does not equal
	// expectedVersion (optimistic concurrency, spec §4.1).
	Update(ctx context.Context, t *Template, expectedVersion int64) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Template, error)

	// ActiveLatest returns the active template with the highest version
	// for name (spec §3, §9 open question b).
	ActiveLatest(ctx context.Context, name string) (*Template, error)
}

// InstanceStore is the agent instance persistence port (C1).
type InstanceStore interface {
	Create(ctx context.Context, a *Instance) error
	Get(ctx context.Context, id string) (*Instance, error)
	Update(ctx context.Context, a *Instance) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Instance, error)

	// RunningCountByTemplate returns the number of running instances per
	// template id (spec §4.1 "running-instance counts per template").
	RunningCountByTemplate(ctx context.Context) (map[string]int, error)
}
