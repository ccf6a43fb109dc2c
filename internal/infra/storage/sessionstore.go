package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/sessiondomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// SessionStore implements sessiondomain.Store over SQLite.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore { return &SessionStore{db: db} }

var _ sessiondomain.Store = (*SessionStore)(nil)

const sessionColumns = `id, task_id, template_name, template_version, config_snapshot, status,
	turn_count, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
	result, error, process_id, started_at, ended_at`

func (s *SessionStore) Create(ctx context.Context, sess *sessiondomain.Session) error {
	cfg, err := json.Marshal(sess.ConfigSnapshot)
	if err != nil {
		return xerrors.SerializationError("marshal session config snapshot", err)
	}
	_, err = s.db.Conn().ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO sessions (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sessionColumns),
		sess.ID, sess.TaskID, nullableString(sess.TemplateName), sess.TemplateVersion, string(cfg),
		string(sess.Status), sess.TurnCount, sess.Usage.InputTokens, sess.Usage.OutputTokens,
		sess.Usage.CacheReadTokens, sess.Usage.CacheWriteTokens,
		nullableString(sess.Result), nullableString(sess.Error), nullableProcessID(sess.ProcessID),
		formatTime(sess.StartedAt), formatTimePtr(sess.EndedAt),
	)
	if err != nil {
		return xerrors.ExecutionFailed("insert session", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*sessiondomain.Session, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM sessions WHERE id = ?`, sessionColumns), id)
	return scanSession(row)
}

func (s *SessionStore) Update(ctx context.Context, sess *sessiondomain.Session) error {
	cfg, err := json.Marshal(sess.ConfigSnapshot)
	if err != nil {
		return xerrors.SerializationError("marshal session config snapshot", err)
	}
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE sessions SET template_name=?, template_version=?, config_snapshot=?, status=?,
			turn_count=?, input_tokens=?, output_tokens=?, cache_read_tokens=?, cache_write_tokens=?,
			result=?, error=?, process_id=?, ended_at=?
		WHERE id=?
	`,
		nullableString(sess.TemplateName), sess.TemplateVersion, string(cfg), string(sess.Status),
		sess.TurnCount, sess.Usage.InputTokens, sess.Usage.OutputTokens,
		sess.Usage.CacheReadTokens, sess.Usage.CacheWriteTokens,
		nullableString(sess.Result), nullableString(sess.Error), nullableProcessID(sess.ProcessID),
		formatTimePtr(sess.EndedAt), sess.ID,
	)
	if err != nil {
		return xerrors.ExecutionFailed("update session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.ExecutionFailed("rows affected", err)
	}
	if n == 0 {
		return xerrors.NotFound("session", sess.ID)
	}
	return nil
}

func (s *SessionStore) List(ctx context.Context, taskID string) ([]*sessiondomain.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions`, sessionColumns)
	var args []any
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY started_at ASC`
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.ExecutionFailed("query sessions", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*sessiondomain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*sessiondomain.Session, error) {
	var sess sessiondomain.Session
	var templateName sql.NullString
	var templateVersion sql.NullInt64
	var cfg, status string
	var result, errMsg sql.NullString
	var processID sql.NullInt64
	var startedAt string
	var endedAt sql.NullString

	err := row.Scan(
		&sess.ID, &sess.TaskID, &templateName, &templateVersion, &cfg, &status,
		&sess.TurnCount, &sess.Usage.InputTokens, &sess.Usage.OutputTokens,
		&sess.Usage.CacheReadTokens, &sess.Usage.CacheWriteTokens,
		&result, &errMsg, &processID, &startedAt, &endedAt,
	)
	if err == sql.ErrNoRows {
		return nil, xerrors.NotFound("session", "")
	}
	if err != nil {
		return nil, xerrors.ExecutionFailed("scan session row", err)
	}

	sess.TemplateName = templateName.String
	sess.TemplateVersion = templateVersion.Int64
	sess.Status = sessiondomain.Status(status)
	sess.Result = result.String
	sess.Error = errMsg.String
	sess.ProcessID = int(processID.Int64)
	sess.StartedAt = parseTime(startedAt)
	sess.EndedAt = parseTimePtr(endedAt)

	if cfg != "" {
		if err := json.Unmarshal([]byte(cfg), &sess.ConfigSnapshot); err != nil {
			return nil, xerrors.SerializationError("unmarshal session config snapshot", err)
		}
	}
	return &sess, nil
}

func nullableProcessID(pid int) any {
	if pid == 0 {
		return nil
	}
	return pid
}
