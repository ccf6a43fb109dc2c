package auditlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/events"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/auditdomain"
)

type fakeAuditStore struct {
	entries []*auditdomain.Entry
}

func (f *fakeAuditStore) Append(_ context.Context, e *auditdomain.Entry) error {
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeAuditStore) List(_ context.Context, filter auditdomain.Filter) ([]*auditdomain.Entry, error) {
	var out []*auditdomain.Entry
	for _, e := range f.entries {
		if filter.Category != "" && e.Category != filter.Category {
			continue
		}
		if filter.EntityID != "" && e.EntityID != filter.EntityID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func TestRecordAppendsAndLists(t *testing.T) {
	ctx := context.Background()
	store := &fakeAuditStore{}
	log := New(store, nil, nil)

	log.Info(ctx, auditdomain.CategoryTask, "task.completed", auditdomain.ActorSystem, "task", "t1", "done")
	log.Warn(ctx, auditdomain.CategoryAgent, "agent.retried", auditdomain.ActorSystem, "agent", "a1", "retrying")

	all, err := log.List(ctx, auditdomain.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, auditdomain.LevelInfo, all[0].Level)
	require.Equal(t, auditdomain.LevelWarning, all[1].Level)

	taskOnly, err := log.List(ctx, auditdomain.Filter{Category: auditdomain.CategoryTask})
	require.NoError(t, err)
	require.Len(t, taskOnly, 1)
	require.Equal(t, "t1", taskOnly[0].EntityID)
}

func TestRecordFansOutToEventBus(t *testing.T) {
	ctx := context.Background()
	var received []events.Event
	pub := events.PublisherFunc(func(e events.Event) { received = append(received, e) })
	log := New(&fakeAuditStore{}, pub, nil)

	log.Err(ctx, auditdomain.CategorySystem, "system.error", auditdomain.ActorSystem, "system", "", "oops")

	require.Len(t, received, 1)
	require.Equal(t, events.KindStatusUpdate, received[0].Kind)
	require.Equal(t, 1, received[0].Stats[string(auditdomain.LevelError)])
}
