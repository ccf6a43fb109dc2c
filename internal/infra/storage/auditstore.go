package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/auditdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// AuditStore implements auditdomain.Store over SQLite. Entries are
// append-only: there is no Update or Delete (spec §4.10).
type AuditStore struct {
	db *DB
}

func NewAuditStore(db *DB) *AuditStore { return &AuditStore{db: db} }

var _ auditdomain.Store = (*AuditStore)(nil)

const auditColumns = `id, level, category, action, actor, entity_type, entity_id, message, created_at`

func (s *AuditStore) Append(ctx context.Context, e *auditdomain.Entry) error {
	_, err := s.db.Conn().ExecContext(ctx, fmt.Sprintf(`INSERT INTO audit_log (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, auditColumns),
		e.ID, string(e.Level), string(e.Category), e.Action, string(e.Actor),
		nullableString(e.EntityType), nullableString(e.EntityID), e.Message, formatTime(e.CreatedAt),
	)
	if err != nil {
		return xerrors.ExecutionFailed("insert audit entry", err)
	}
	return nil
}

func (s *AuditStore) List(ctx context.Context, filter auditdomain.Filter) ([]*auditdomain.Entry, error) {
	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE 1=1`, auditColumns)
	var args []any
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, string(filter.Category))
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.ExecutionFailed("query audit_log", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*auditdomain.Entry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAuditEntry(row rowScanner) (*auditdomain.Entry, error) {
	var e auditdomain.Entry
	var level, category, actor string
	var entityType, entityID sql.NullString
	var createdAt string

	err := row.Scan(&e.ID, &level, &category, &e.Action, &actor, &entityType, &entityID, &e.Message, &createdAt)
	if err == sql.ErrNoRows {
		return nil, xerrors.NotFound("audit_entry", "")
	}
	if err != nil {
		return nil, xerrors.ExecutionFailed("scan audit row", err)
	}

	e.Level = auditdomain.Level(level)
	e.Category = auditdomain.Category(category)
	e.Actor = auditdomain.Actor(actor)
	e.EntityType = entityType.String
	e.EntityID = entityID.String
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}
