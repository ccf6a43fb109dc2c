// Package goalcontext implements spec §4.5 step 5: before a task is
// submitted to a substrate, match it against active goals and prepend their
// guidance to the task description so the agent sees the governing intent
// and constraints without the orchestrator itself interpreting or
// decomposing the goal.
package goalcontext

import (
	"context"
	"fmt"
	"strings"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/goaldomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
)

// Service matches tasks to goals and renders goal guidance as prompt text.
type Service struct {
	goals goaldomain.Store
}

// New builds a GoalContextService.
func New(goals goaldomain.Store) *Service {
	return &Service{goals: goals}
}

// MatchingGoals returns the active goals applicable to t: its own ancestry
// (via goal_id, if any goal explicitly owns the task) plus any active goal
// whose applicability domains intersect t's AgentType (spec §4.5 step 5 —
// "matched by domain or explicit parent chain").
func (s *Service) MatchingGoals(ctx context.Context, t *taskdomain.Task) ([]*goaldomain.Goal, error) {
	var matched []*goaldomain.Goal
	seen := make(map[string]bool)

	if t.GoalID != "" {
		ancestors, err := s.goals.Ancestors(ctx, t.GoalID)
		if err != nil {
			return nil, err
		}
		for _, g := range ancestors {
			if g.Status != goaldomain.StatusActive {
				continue
			}
			if !seen[g.ID] {
				seen[g.ID] = true
				matched = append(matched, g)
			}
		}
	}

	domains := []string{t.AgentType}
	byDomain, err := s.goals.MatchByDomain(ctx, domains)
	if err != nil {
		return nil, err
	}
	for _, g := range byDomain {
		if g.Status != goaldomain.StatusActive {
			continue
		}
		if !seen[g.ID] {
			seen[g.ID] = true
			matched = append(matched, g)
		}
	}

	return matched, nil
}

// Augment returns t's description with the matching goals' guidance
// prepended as natural-language context. If no goal matches, the
// description is returned unchanged.
func (s *Service) Augment(ctx context.Context, t *taskdomain.Task) (string, error) {
	goals, err := s.MatchingGoals(ctx, t)
	if err != nil {
		return "", err
	}
	if len(goals) == 0 {
		return t.Description, nil
	}

	var b strings.Builder
	b.WriteString("Governing goals for this task:\n")
	for _, g := range goals {
		fmt.Fprintf(&b, "- %s: %s\n", g.Name, g.Description)
		for _, c := range g.Constraints {
			fmt.Fprintf(&b, "  - [%s] %s: %s\n", c.Kind, c.Name, c.Description)
		}
	}
	b.WriteString("\n")
	b.WriteString(t.Description)
	return b.String(), nil
}
