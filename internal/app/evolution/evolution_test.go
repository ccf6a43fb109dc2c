package evolution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/evolutiondomain"
)

// fakeOutcomeStore keeps outcomes per template in insertion order and
// returns them newest-first, matching the real store's contract.
type fakeOutcomeStore struct {
	byTemplate map[string][]*evolutiondomain.Outcome
}

func newFakeOutcomeStore() *fakeOutcomeStore {
	return &fakeOutcomeStore{byTemplate: make(map[string][]*evolutiondomain.Outcome)}
}

func key(name string, version int64) string {
	return name
}

func (f *fakeOutcomeStore) Record(_ context.Context, o *evolutiondomain.Outcome) error {
	k := key(o.TemplateName, o.TemplateVersion)
	f.byTemplate[k] = append(f.byTemplate[k], o)
	return nil
}

func (f *fakeOutcomeStore) Recent(_ context.Context, templateName string, templateVersion int64, limit int) ([]*evolutiondomain.Outcome, error) {
	all := f.byTemplate[key(templateName, templateVersion)]
	out := make([]*evolutiondomain.Outcome, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		out = append(out, all[i])
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestRecordOutcomeFiresFailureStreak(t *testing.T) {
	ctx := context.Background()
	store := newFakeOutcomeStore()
	var fired *RefinementEvent
	loop := New(store, Thresholds{WindowSize: 10, MaxFailureStreak: 3}, func(_ context.Context, e RefinementEvent) {
		fired = &e
	}, nil)

	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, false, 5, 100, 0))
	require.Nil(t, fired)
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, false, 5, 100, 0))
	require.Nil(t, fired)
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, false, 5, 100, 0))

	require.NotNil(t, fired)
	require.Equal(t, TriggerFailureStreak, fired.Trigger)
}

func TestRecordOutcomeFiresLowSuccessRate(t *testing.T) {
	ctx := context.Background()
	store := newFakeOutcomeStore()
	var fired *RefinementEvent
	loop := New(store, Thresholds{WindowSize: 4, MinSuccessRate: 0.5, MaxFailureStreak: 0}, func(_ context.Context, e RefinementEvent) {
		fired = &e
	}, nil)

	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, true, 1, 1, 0))
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, false, 1, 1, 0))
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, false, 1, 1, 0))
	require.Nil(t, fired)
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, false, 1, 1, 0))

	require.NotNil(t, fired)
	require.Equal(t, TriggerLowSuccessRate, fired.Trigger)
}

func TestRecordOutcomeFiresExcessiveRetries(t *testing.T) {
	ctx := context.Background()
	store := newFakeOutcomeStore()
	var fired *RefinementEvent
	loop := New(store, Thresholds{
		WindowSize:             4,
		MaxFailureStreak:       0,
		MaxRetries:             3,
		MaxRetryExhaustionRate: 0.5,
	}, func(_ context.Context, e RefinementEvent) {
		fired = &e
	}, nil)

	// Successes that nonetheless burned through the full retry budget: low
	// success rate wouldn't fire, but excessive retries should.
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, true, 1, 1, 3))
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, true, 1, 1, 3))
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, true, 1, 1, 0))
	require.Nil(t, fired)
	require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, true, 1, 1, 0))

	require.NotNil(t, fired)
	require.Equal(t, TriggerExcessiveRetries, fired.Trigger)
}

func TestRecordOutcomeNoTriggerWhenHealthy(t *testing.T) {
	ctx := context.Background()
	store := newFakeOutcomeStore()
	fired := false
	loop := New(store, DefaultThresholds(), func(_ context.Context, _ RefinementEvent) {
		fired = true
	}, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, loop.RecordOutcome(ctx, "tmpl", 1, true, 1, 1, 0))
	}
	require.False(t, fired)
}
