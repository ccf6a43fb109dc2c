package goalcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/goaldomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
)

type fakeGoalStore struct {
	goals      map[string]*goaldomain.Goal
	ancestors  map[string][]*goaldomain.Goal
	byDomain   []*goaldomain.Goal
}

func (f *fakeGoalStore) Create(context.Context, *goaldomain.Goal) error { return nil }
func (f *fakeGoalStore) Get(_ context.Context, id string) (*goaldomain.Goal, error) {
	return f.goals[id], nil
}
func (f *fakeGoalStore) Update(context.Context, *goaldomain.Goal) error { return nil }
func (f *fakeGoalStore) Delete(context.Context, string) error          { return nil }
func (f *fakeGoalStore) List(context.Context, goaldomain.Filter) ([]*goaldomain.Goal, error) {
	return nil, nil
}
func (f *fakeGoalStore) MatchByDomain(context.Context, []string) ([]*goaldomain.Goal, error) {
	return f.byDomain, nil
}
func (f *fakeGoalStore) Ancestors(_ context.Context, id string) ([]*goaldomain.Goal, error) {
	return f.ancestors[id], nil
}

func TestMatchingGoalsDedupesAncestryAndDomain(t *testing.T) {
	shared := &goaldomain.Goal{ID: "g1", Name: "ship it", Status: goaldomain.StatusActive}
	pausedAncestor := &goaldomain.Goal{ID: "g2", Name: "paused goal", Status: goaldomain.StatusPaused}
	store := &fakeGoalStore{
		goals:     map[string]*goaldomain.Goal{"g1": shared},
		ancestors: map[string][]*goaldomain.Goal{"g1": {shared, pausedAncestor}},
		byDomain:  []*goaldomain.Goal{shared},
	}
	svc := New(store)

	tsk := &taskdomain.Task{GoalID: "g1", AgentType: "coder"}
	matched, err := svc.MatchingGoals(context.Background(), tsk)
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, "g1", matched[0].ID)
}

func TestAugmentPrependsGuidance(t *testing.T) {
	goal := &goaldomain.Goal{
		ID: "g1", Name: "stay secure", Description: "no plaintext secrets", Status: goaldomain.StatusActive,
		Constraints: []goaldomain.Constraint{{Kind: goaldomain.ConstraintInvariant, Name: "no-secrets", Description: "never log credentials"}},
	}
	store := &fakeGoalStore{
		ancestors: map[string][]*goaldomain.Goal{"g1": {goal}},
	}
	svc := New(store)

	tsk := &taskdomain.Task{GoalID: "g1", Description: "implement login"}
	augmented, err := svc.Augment(context.Background(), tsk)
	require.NoError(t, err)
	require.Contains(t, augmented, "Governing goals for this task:")
	require.Contains(t, augmented, "stay secure: no plaintext secrets")
	require.Contains(t, augmented, "[invariant] no-secrets: never log credentials")
	require.Contains(t, augmented, "implement login")
}

func TestAugmentUnchangedWithNoMatch(t *testing.T) {
	store := &fakeGoalStore{}
	svc := New(store)
	tsk := &taskdomain.Task{Description: "implement login"}
	augmented, err := svc.Augment(context.Background(), tsk)
	require.NoError(t, err)
	require.Equal(t, "implement login", augmented)
}
