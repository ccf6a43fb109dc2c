// Package auditlog implements C5: an append-only structured record of
// orchestrator decisions (spec §4.10). Every entry also fans out onto the
// events bus (spec's "Event bus fan-out" supplement), so a dashboard
// consuming the event stream sees the same decisions without querying the
// store directly.
package auditlog

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/events"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/auditdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
)

// Log is the audit log service.
type Log struct {
	store  auditdomain.Store
	pub    events.Publisher
	logger logging.Logger
}

// New builds an audit Log. pub may be nil (events.OrNop substitutes a
// no-op publisher).
func New(store auditdomain.Store, pub events.Publisher, logger logging.Logger) *Log {
	return &Log{store: store, pub: events.OrNop(pub), logger: logging.OrNop(logger)}
}

// Record appends one audit entry (spec §4.10). Entries are never mutated or
// deleted once written.
func (l *Log) Record(ctx context.Context, level auditdomain.Level, category auditdomain.Category,
	action string, actor auditdomain.Actor, entityType, entityID, message string) {
	e := &auditdomain.Entry{
		ID:         uuid.NewString(),
		Level:      level,
		Category:   category,
		Action:     action,
		Actor:      actor,
		EntityType: entityType,
		EntityID:   entityID,
		Message:    message,
		CreatedAt:  time.Now(),
	}
	if err := l.store.Append(ctx, e); err != nil {
		l.logger.Error("failed to append audit entry: %v", err)
		return
	}
	l.logger.Debug("[%s/%s] %s %s: %s", category, level, actor, action, message)
	l.pub.Publish(events.Event{
		Kind: events.KindStatusUpdate,
		Time: e.CreatedAt,
		Stats: map[string]int{
			string(level): 1,
		},
	})
}

// Info is shorthand for Record at LevelInfo.
func (l *Log) Info(ctx context.Context, category auditdomain.Category, action string, actor auditdomain.Actor, entityType, entityID, message string) {
	l.Record(ctx, auditdomain.LevelInfo, category, action, actor, entityType, entityID, message)
}

// Warn is shorthand for Record at LevelWarning.
func (l *Log) Warn(ctx context.Context, category auditdomain.Category, action string, actor auditdomain.Actor, entityType, entityID, message string) {
	l.Record(ctx, auditdomain.LevelWarning, category, action, actor, entityType, entityID, message)
}

// Err is shorthand for Record at LevelError.
func (l *Log) Err(ctx context.Context, category auditdomain.Category, action string, actor auditdomain.Actor, entityType, entityID, message string) {
	l.Record(ctx, auditdomain.LevelError, category, action, actor, entityType, entityID, message)
}

// List returns recent entries matching filter.
func (l *Log) List(ctx context.Context, filter auditdomain.Filter) ([]*auditdomain.Entry, error) {
	return l.store.List(ctx, filter)
}
