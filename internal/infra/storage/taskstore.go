package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// TaskStore implements taskdomain.Store over SQLite.
type TaskStore struct {
	db *DB
}

// NewTaskStore builds a TaskStore.
func NewTaskStore(db *DB) *TaskStore { return &TaskStore{db: db} }

var _ taskdomain.Store = (*TaskStore)(nil)

const taskColumns = `id, parent_id, goal_id, title, description, status, priority, agent_type,
	artifacts, context, retry_count, max_retries, worktree_path, idempotency_key,
	source_type, source_ref, version, created_at, updated_at, started_at, completed_at`

func (s *TaskStore) Create(ctx context.Context, t *taskdomain.Task) error {
	artifacts, err := json.Marshal(t.Artifacts)
	if err != nil {
		return xerrors.SerializationError("marshal task artifacts", err)
	}
	taskCtx, err := json.Marshal(t.Context)
	if err != nil {
		return xerrors.SerializationError("marshal task context", err)
	}

	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return xerrors.ExecutionFailed("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO tasks (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, taskColumns),
		t.ID, nullableString(t.ParentID), nullableString(t.GoalID), t.Title, t.Description,
		string(t.Status), string(t.Priority), nullableString(t.AgentType),
		string(artifacts), string(taskCtx), t.RetryCount, t.MaxRetries,
		nullableString(t.WorktreePath), nullableString(t.IdempotencyKey),
		string(t.SourceType), nil, t.Version,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return xerrors.ValidationFailed(fmt.Sprintf("idempotency_key %q already in use", t.IdempotencyKey))
		}
		return xerrors.ExecutionFailed("insert task", err)
	}

	for _, dep := range t.DependsOn {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, t.ID, dep); err != nil {
			return xerrors.ExecutionFailed("insert task dependency", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.ExecutionFailed("commit tx", err)
	}
	return nil
}

func (s *TaskStore) Get(ctx context.Context, id string) (*taskdomain.Task, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM tasks WHERE id = ?`, taskColumns), id)
	t, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	deps, err := s.dependsOnIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	t.DependsOn = deps
	return t, nil
}

func (s *TaskStore) dependsOnIDs(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, id)
	if err != nil {
		return nil, xerrors.ExecutionFailed("query task_dependencies", err)
	}
	defer func() { _ = rows.Close() }()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, xerrors.SerializationError("scan dependency row", err)
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (s *TaskStore) Update(ctx context.Context, t *taskdomain.Task, expectedVersion int64) error {
	artifacts, err := json.Marshal(t.Artifacts)
	if err != nil {
		return xerrors.SerializationError("marshal task artifacts", err)
	}
	taskCtx, err := json.Marshal(t.Context)
	if err != nil {
		return xerrors.SerializationError("marshal task context", err)
	}

	newVersion := expectedVersion + 1
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE tasks SET parent_id=?, goal_id=?, title=?, description=?, status=?, priority=?,
			agent_type=?, artifacts=?, context=?, retry_count=?, max_retries=?, worktree_path=?,
			idempotency_key=?, version=?, updated_at=?, started_at=?, completed_at=?
		WHERE id=? AND version=?
	`,
		nullableString(t.ParentID), nullableString(t.GoalID), t.Title, t.Description,
		string(t.Status), string(t.Priority), nullableString(t.AgentType),
		string(artifacts), string(taskCtx), t.RetryCount, t.MaxRetries,
		nullableString(t.WorktreePath), nullableString(t.IdempotencyKey), newVersion,
		formatTime(t.UpdatedAt), formatTimePtr(t.StartedAt), formatTimePtr(t.CompletedAt),
		t.ID, expectedVersion,
	)
	if err != nil {
		return xerrors.ExecutionFailed("update task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.ExecutionFailed("rows affected", err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, t.ID); getErr != nil {
			return getErr
		}
		return xerrors.OptimisticLockConflict(t.ID, expectedVersion)
	}
	t.Version = newVersion
	return nil
}

func (s *TaskStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.Conn().BeginTx(ctx, nil)
	if err != nil {
		return xerrors.ExecutionFailed("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ? OR depends_on_id = ?`, id, id); err != nil {
		return xerrors.ExecutionFailed("delete task_dependencies", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return xerrors.ExecutionFailed("delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("task", id)
	}
	return tx.Commit()
}

func (s *TaskStore) List(ctx context.Context, filter taskdomain.Filter) ([]*taskdomain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE 1=1`, taskColumns)
	var args []any
	if filter.GoalID != "" {
		query += ` AND goal_id = ?`
		args = append(args, filter.GoalID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += fmt.Sprintf(` AND status IN (%s)`, strings.Join(placeholders, ","))
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *TaskStore) GetByIdempotencyKey(ctx context.Context, key string) (*taskdomain.Task, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM tasks WHERE idempotency_key = ?`, taskColumns), key)
	t, err := scanTask(row)
	if err != nil {
		if xerrors.Is(err, xerrors.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

func (s *TaskStore) Dependents(ctx context.Context, id string) ([]*taskdomain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id IN (
		SELECT task_id FROM task_dependencies WHERE depends_on_id = ?
	)`, taskColumns)
	return s.queryTasks(ctx, query, id)
}

func (s *TaskStore) Dependencies(ctx context.Context, id string) ([]*taskdomain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id IN (
		SELECT depends_on_id FROM task_dependencies WHERE task_id = ?
	)`, taskColumns)
	return s.queryTasks(ctx, query, id)
}

func (s *TaskStore) Ready(ctx context.Context, limit int) ([]*taskdomain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE status = ?
		ORDER BY CASE priority
			WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'normal' THEN 1 ELSE 0 END DESC,
			created_at ASC`, taskColumns)
	var args []any
	args = append(args, string(taskdomain.StatusReady))
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *TaskStore) DescendantCount(ctx context.Context, rootID string) (int, error) {
	const q = `
		WITH RECURSIVE descendants(id) AS (
			SELECT id FROM tasks WHERE parent_id = ?
			UNION ALL
			SELECT t.id FROM tasks t JOIN descendants d ON t.parent_id = d.id
		)
		SELECT COUNT(*) FROM descendants
	`
	var count int
	if err := s.db.Conn().QueryRowContext(ctx, q, rootID).Scan(&count); err != nil {
		return 0, xerrors.ExecutionFailed("count descendants", err)
	}
	return count, nil
}

func (s *TaskStore) AncestorDepth(ctx context.Context, id string) (int, error) {
	const q = `
		WITH RECURSIVE ancestors(id, parent_id, depth) AS (
			SELECT id, parent_id, 0 FROM tasks WHERE id = ?
			UNION ALL
			SELECT t.id, t.parent_id, a.depth + 1
			FROM tasks t JOIN ancestors a ON t.id = a.parent_id
		)
		SELECT MAX(depth) FROM ancestors
	`
	var depth sql.NullInt64
	if err := s.db.Conn().QueryRowContext(ctx, q, id).Scan(&depth); err != nil {
		return 0, xerrors.ExecutionFailed("compute ancestor depth", err)
	}
	return int(depth.Int64), nil
}

func (s *TaskStore) DirectChildCount(ctx context.Context, id string) (int, error) {
	var count int
	if err := s.db.Conn().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE parent_id = ?`, id).Scan(&count); err != nil {
		return 0, xerrors.ExecutionFailed("count direct children", err)
	}
	return count, nil
}

func (s *TaskStore) CountByStatus(ctx context.Context) (map[taskdomain.Status]int, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, xerrors.ExecutionFailed("count by status", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[taskdomain.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, xerrors.SerializationError("scan status count", err)
		}
		out[taskdomain.Status(status)] = count
	}
	return out, rows.Err()
}

func (s *TaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*taskdomain.Task, error) {
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.ExecutionFailed("query tasks", err)
	}
	defer func() { _ = rows.Close() }()
	return s.scanTaskRowsWithDeps(ctx, rows)
}

func (s *TaskStore) scanTaskRowsWithDeps(ctx context.Context, rows *sql.Rows) ([]*taskdomain.Task, error) {
	var tasks []*taskdomain.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.ExecutionFailed("iterate task rows", err)
	}
	for _, t := range tasks {
		deps, err := s.dependsOnIDs(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.DependsOn = deps
	}
	return tasks, nil
}

// rowScanner abstracts *sql.Row / *sql.Rows for a shared scan routine.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*taskdomain.Task, error) {
	return scanTaskRow(row)
}

func scanTaskRow(row rowScanner) (*taskdomain.Task, error) {
	var t taskdomain.Task
	var parentID, goalID, agentType, worktreePath, idempotencyKey, sourceRef sql.NullString
	var artifacts, taskCtx string
	var status, priority, sourceType string
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(
		&t.ID, &parentID, &goalID, &t.Title, &t.Description, &status, &priority, &agentType,
		&artifacts, &taskCtx, &t.RetryCount, &t.MaxRetries, &worktreePath, &idempotencyKey,
		&sourceType, &sourceRef, &t.Version, &createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, xerrors.NotFound("task", "")
	}
	if err != nil {
		return nil, xerrors.ExecutionFailed("scan task row", err)
	}

	t.ParentID = parentID.String
	t.GoalID = goalID.String
	t.AgentType = agentType.String
	t.WorktreePath = worktreePath.String
	t.IdempotencyKey = idempotencyKey.String
	t.Status = taskdomain.Status(status)
	t.Priority = taskdomain.Priority(priority)
	t.SourceType = taskdomain.SourceType(sourceType)

	if err := json.Unmarshal([]byte(artifacts), &t.Artifacts); err != nil {
		return nil, xerrors.SerializationError("unmarshal artifacts", err)
	}
	if err := json.Unmarshal([]byte(taskCtx), &t.Context); err != nil {
		return nil, xerrors.SerializationError("unmarshal context", err)
	}

	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.StartedAt = parseTimePtr(startedAt)
	t.CompletedAt = parseTimePtr(completedAt)

	return &t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
