package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/memorydomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// MemoryStore implements memorydomain.Store over SQLite, with an auxiliary
// FTS5 index kept in sync for full-text lookups (spec §6 "auxiliary
// full-text index").
type MemoryStore struct {
	db *DB
}

func NewMemoryStore(db *DB) *MemoryStore { return &MemoryStore{db: db} }

var _ memorydomain.Store = (*MemoryStore)(nil)

const memoryColumns = `id, namespace, key, content, memory_type, tier, task_id, goal_id, metadata,
	access_count, version, created_at, updated_at, last_accessed_at, expires_at`

func (s *MemoryStore) Create(ctx context.Context, m *memorydomain.Memory) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return xerrors.SerializationError("marshal memory metadata", err)
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return xerrors.ExecutionFailed("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO memories (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, memoryColumns),
		m.ID, m.Namespace, m.Key, m.Content, nullableString(m.Type), string(m.Tier),
		nullableString(m.TaskID), nullableString(m.GoalID), string(metadata),
		m.AccessCount, m.Version, formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
		formatTime(m.LastAccessedAt), formatTimePtr(m.ExpiresAt),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return xerrors.ValidationFailed(fmt.Sprintf("memory (%s,%s) already exists", m.Namespace, m.Key))
		}
		return xerrors.ExecutionFailed("insert memory", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts(rowid, content, namespace, key)
		SELECT rowid, content, namespace, key FROM memories WHERE id = ?`, m.ID); err != nil {
		return xerrors.ExecutionFailed("index memory fts", err)
	}
	return tx.Commit()
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*memorydomain.Memory, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM memories WHERE id = ?`, memoryColumns), id)
	return scanMemory(row)
}

func (s *MemoryStore) GetByKey(ctx context.Context, namespace, key string) (*memorydomain.Memory, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM memories WHERE namespace = ? AND key = ?`, memoryColumns), namespace, key)
	m, err := scanMemory(row)
	if err != nil {
		if xerrors.Is(err, xerrors.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return m, nil
}

func (s *MemoryStore) Update(ctx context.Context, m *memorydomain.Memory) error {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return xerrors.SerializationError("marshal memory metadata", err)
	}
	newVersion := m.Version + 1
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE memories SET content=?, memory_type=?, tier=?, task_id=?, goal_id=?, metadata=?,
			access_count=?, version=?, updated_at=?, last_accessed_at=?, expires_at=?
		WHERE id=? AND version=?
	`,
		m.Content, nullableString(m.Type), string(m.Tier), nullableString(m.TaskID), nullableString(m.GoalID),
		string(metadata), m.AccessCount, newVersion, formatTime(m.UpdatedAt), formatTime(m.LastAccessedAt),
		formatTimePtr(m.ExpiresAt), m.ID, m.Version,
	)
	if err != nil {
		return xerrors.ExecutionFailed("update memory", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.Get(ctx, m.ID); getErr != nil {
			return getErr
		}
		return xerrors.OptimisticLockConflict(m.ID, m.Version)
	}
	if _, err := s.db.Conn().ExecContext(ctx, `UPDATE memories_fts SET content=? WHERE rowid = (SELECT rowid FROM memories WHERE id=?)`, m.Content, m.ID); err != nil {
		return xerrors.ExecutionFailed("update memory fts", err)
	}
	m.Version = newVersion
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return xerrors.ExecutionFailed("delete memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("memory", id)
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter memorydomain.Filter) ([]*memorydomain.Memory, error) {
	query := fmt.Sprintf(`SELECT %s FROM memories WHERE 1=1`, memoryColumns)
	var args []any
	if filter.Namespace != "" {
		query += ` AND namespace = ?`
		args = append(args, filter.Namespace)
	}
	if filter.Tier != "" {
		query += ` AND tier = ?`
		args = append(args, string(filter.Tier))
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.GoalID != "" {
		query += ` AND goal_id = ?`
		args = append(args, filter.GoalID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.ExecutionFailed("list memories", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*memorydomain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?
	`, formatTime(time.Now()), id)
	if err != nil {
		return xerrors.ExecutionFailed("touch memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("memory", id)
	}
	return nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.Conn().ExecContext(ctx, `
		DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, xerrors.ExecutionFailed("delete expired memories", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMemory(row rowScanner) (*memorydomain.Memory, error) {
	var m memorydomain.Memory
	var memoryType, taskID, goalID sql.NullString
	var tier string
	var metadata string
	var createdAt, updatedAt, lastAccessedAt string
	var expiresAt sql.NullString

	err := row.Scan(&m.ID, &m.Namespace, &m.Key, &m.Content, &memoryType, &tier, &taskID, &goalID,
		&metadata, &m.AccessCount, &m.Version, &createdAt, &updatedAt, &lastAccessedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, xerrors.NotFound("memory", "")
	}
	if err != nil {
		return nil, xerrors.ExecutionFailed("scan memory row", err)
	}

	m.Type = memoryType.String
	m.TaskID = taskID.String
	m.GoalID = goalID.String
	m.Tier = memorydomain.Tier(tier)
	if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
		return nil, xerrors.SerializationError("unmarshal memory metadata", err)
	}
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	m.LastAccessedAt = parseTime(lastAccessedAt)
	m.ExpiresAt = parseTimePtr(expiresAt)
	return &m, nil
}

// Search performs a full-text query over memory content via the FTS5
// auxiliary index (spec §6).
func (s *MemoryStore) Search(ctx context.Context, namespace, query string, limit int) ([]*memorydomain.Memory, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	sqlQuery := fmt.Sprintf(`
		SELECT %s FROM memories WHERE rowid IN (
			SELECT rowid FROM memories_fts WHERE memories_fts MATCH ? AND namespace = ?
		) ORDER BY updated_at DESC
	`, memoryColumns)
	args := []any{q, namespace}
	if limit > 0 {
		sqlQuery += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Conn().QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, xerrors.ExecutionFailed("search memories", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*memorydomain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
