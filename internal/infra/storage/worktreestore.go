package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/worktreedomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// WorktreeStore implements worktreedomain.Store over SQLite.
type WorktreeStore struct {
	db *DB
}

func NewWorktreeStore(db *DB) *WorktreeStore { return &WorktreeStore{db: db} }

var _ worktreedomain.Store = (*WorktreeStore)(nil)

const worktreeColumns = `id, task_id, path, branch, base_ref, status, merge_commit, error_message,
	created_at, updated_at, completed_at`

func (s *WorktreeStore) Create(ctx context.Context, w *worktreedomain.Worktree) error {
	_, err := s.db.Conn().ExecContext(ctx, fmt.Sprintf(`INSERT INTO worktrees (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, worktreeColumns),
		w.ID, w.TaskID, nullableString(w.Path), nullableString(w.Branch), nullableString(w.BaseRef),
		string(w.Status), nullableString(w.MergeCommit), nullableString(w.ErrorMsg),
		formatTime(w.CreatedAt), formatTime(w.UpdatedAt), formatTimePtr(w.CompletedAt),
	)
	if err != nil {
		return xerrors.ExecutionFailed("insert worktree", err)
	}
	return nil
}

func (s *WorktreeStore) Get(ctx context.Context, id string) (*worktreedomain.Worktree, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM worktrees WHERE id = ?`, worktreeColumns), id)
	return scanWorktree(row)
}

func (s *WorktreeStore) GetByTaskID(ctx context.Context, taskID string) (*worktreedomain.Worktree, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM worktrees WHERE task_id = ? ORDER BY created_at DESC LIMIT 1`, worktreeColumns), taskID)
	return scanWorktree(row)
}

func (s *WorktreeStore) Update(ctx context.Context, w *worktreedomain.Worktree) error {
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE worktrees SET path=?, branch=?, base_ref=?, status=?, merge_commit=?, error_message=?,
			updated_at=?, completed_at=?
		WHERE id=?
	`,
		nullableString(w.Path), nullableString(w.Branch), nullableString(w.BaseRef), string(w.Status),
		nullableString(w.MergeCommit), nullableString(w.ErrorMsg), formatTime(w.UpdatedAt),
		formatTimePtr(w.CompletedAt), w.ID,
	)
	if err != nil {
		return xerrors.ExecutionFailed("update worktree", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("worktree", w.ID)
	}
	return nil
}

func (s *WorktreeStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM worktrees WHERE id = ?`, id)
	if err != nil {
		return xerrors.ExecutionFailed("delete worktree", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("worktree", id)
	}
	return nil
}

func (s *WorktreeStore) List(ctx context.Context) ([]*worktreedomain.Worktree, error) {
	rows, err := s.db.Conn().QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM worktrees ORDER BY created_at ASC`, worktreeColumns))
	if err != nil {
		return nil, xerrors.ExecutionFailed("list worktrees", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*worktreedomain.Worktree
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *WorktreeStore) ActiveForTask(ctx context.Context, taskID string) (*worktreedomain.Worktree, error) {
	rows, err := s.db.Conn().QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM worktrees WHERE task_id = ?
			AND status NOT IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, worktreeColumns), taskID,
		string(worktreedomain.StatusMerged), string(worktreedomain.StatusRemoved), string(worktreedomain.StatusFailed))
	if err != nil {
		return nil, xerrors.ExecutionFailed("query active worktree", err)
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, nil
	}
	return scanWorktree(rows)
}

func scanWorktree(row rowScanner) (*worktreedomain.Worktree, error) {
	var w worktreedomain.Worktree
	var path, branch, baseRef, mergeCommit, errorMsg sql.NullString
	var status string
	var createdAt, updatedAt string
	var completedAt sql.NullString

	err := row.Scan(&w.ID, &w.TaskID, &path, &branch, &baseRef, &status, &mergeCommit, &errorMsg,
		&createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, xerrors.NotFound("worktree", "")
	}
	if err != nil {
		return nil, xerrors.ExecutionFailed("scan worktree row", err)
	}

	w.Path = path.String
	w.Branch = branch.String
	w.BaseRef = baseRef.String
	w.MergeCommit = mergeCommit.String
	w.ErrorMsg = errorMsg.String
	w.Status = worktreedomain.Status(status)
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	w.CompletedAt = parseTimePtr(completedAt)
	return &w, nil
}
