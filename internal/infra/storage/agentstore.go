package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/agentdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// TemplateStore implements agentdomain.TemplateStore over SQLite.
type TemplateStore struct {
	db *DB
}

func NewTemplateStore(db *DB) *TemplateStore { return &TemplateStore{db: db} }

var _ agentdomain.TemplateStore = (*TemplateStore)(nil)

const templateColumns = `id, name, description, tier, version, system_prompt, tools, constraints,
	handoff_targets, max_turns, read_only, is_active, created_at, updated_at`

func (s *TemplateStore) Create(ctx context.Context, t *agentdomain.Template) error {
	capabilities, err := json.Marshal(t.Capabilities)
	if err != nil {
		return xerrors.SerializationError("marshal template capabilities", err)
	}
	constraints, err := json.Marshal(t.Constraints)
	if err != nil {
		return xerrors.SerializationError("marshal template constraints", err)
	}

	_, err = s.db.Conn().ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO agent_templates (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, templateColumns),
		t.ID, t.Name, nil, string(t.Tier), t.Version, t.SystemPrompt,
		string(capabilities), string(constraints), "[]", t.MaxTurns, boolToInt(t.ReadOnly),
		boolToInt(t.Status == agentdomain.TemplateActive),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return xerrors.ExecutionFailed("insert agent template", err)
	}
	return nil
}

func (s *TemplateStore) Get(ctx context.Context, id string) (*agentdomain.Template, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM agent_templates WHERE id = ?`, templateColumns), id)
	return scanTemplate(row)
}

func (s *TemplateStore) Update(ctx context.Context, t *agentdomain.Template, expectedVersion int64) error {
	capabilities, err := json.Marshal(t.Capabilities)
	if err != nil {
		return xerrors.SerializationError("marshal template capabilities", err)
	}
	constraints, err := json.Marshal(t.Constraints)
	if err != nil {
		return xerrors.SerializationError("marshal template constraints", err)
	}

	newVersion := expectedVersion + 1
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE agent_templates SET tier=?, version=?, system_prompt=?, tools=?, constraints=?,
			max_turns=?, read_only=?, is_active=?, updated_at=?
		WHERE id=? AND version=?
	`,
		string(t.Tier), newVersion, t.SystemPrompt, string(capabilities), string(constraints),
		t.MaxTurns, boolToInt(t.ReadOnly), boolToInt(t.Status == agentdomain.TemplateActive),
		formatTime(t.UpdatedAt), t.ID, expectedVersion,
	)
	if err != nil {
		return xerrors.ExecutionFailed("update agent template", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.Get(ctx, t.ID); getErr != nil {
			return getErr
		}
		return xerrors.OptimisticLockConflict(t.ID, expectedVersion)
	}
	t.Version = newVersion
	return nil
}

func (s *TemplateStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM agent_templates WHERE id = ?`, id)
	if err != nil {
		return xerrors.ExecutionFailed("delete agent template", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("agent_template", id)
	}
	return nil
}

func (s *TemplateStore) List(ctx context.Context) ([]*agentdomain.Template, error) {
	rows, err := s.db.Conn().QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM agent_templates ORDER BY name, version DESC`, templateColumns))
	if err != nil {
		return nil, xerrors.ExecutionFailed("list agent templates", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*agentdomain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TemplateStore) ActiveLatest(ctx context.Context, name string) (*agentdomain.Template, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM agent_templates WHERE name = ? AND is_active = 1
		ORDER BY is_active DESC, version DESC LIMIT 1
	`, templateColumns), name)
	return scanTemplate(row)
}

func scanTemplate(row rowScanner) (*agentdomain.Template, error) {
	var t agentdomain.Template
	var description sql.NullString
	var tier string
	var capabilities, constraints, handoffTargets string
	var readOnly, isActive int
	var createdAt, updatedAt string

	err := row.Scan(&t.ID, &t.Name, &description, &tier, &t.Version, &t.SystemPrompt,
		&capabilities, &constraints, &handoffTargets, &t.MaxTurns, &readOnly, &isActive,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, xerrors.NotFound("agent_template", "")
	}
	if err != nil {
		return nil, xerrors.ExecutionFailed("scan agent template row", err)
	}

	t.Tier = agentdomain.Tier(tier)
	t.ReadOnly = readOnly != 0
	if isActive != 0 {
		t.Status = agentdomain.TemplateActive
	} else {
		t.Status = agentdomain.TemplateDisabled
	}
	if err := json.Unmarshal([]byte(capabilities), &t.Capabilities); err != nil {
		return nil, xerrors.SerializationError("unmarshal template capabilities", err)
	}
	if err := json.Unmarshal([]byte(constraints), &t.Constraints); err != nil {
		return nil, xerrors.SerializationError("unmarshal template constraints", err)
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// InstanceStore implements agentdomain.InstanceStore over SQLite.
type InstanceStore struct {
	db *DB
}

func NewInstanceStore(db *DB) *InstanceStore { return &InstanceStore{db: db} }

var _ agentdomain.InstanceStore = (*InstanceStore)(nil)

const instanceColumns = `id, template_id, template_name, current_task_id, turn_count, status, started_at, completed_at`

func (s *InstanceStore) Create(ctx context.Context, a *agentdomain.Instance) error {
	_, err := s.db.Conn().ExecContext(ctx, fmt.Sprintf(`INSERT INTO agent_instances (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, instanceColumns),
		a.ID, a.TemplateID, a.TemplateName, nullableString(a.CurrentTaskID), a.TurnCount,
		string(a.Status), formatTime(a.CreatedAt), nil,
	)
	if err != nil {
		return xerrors.ExecutionFailed("insert agent instance", err)
	}
	return nil
}

func (s *InstanceStore) Get(ctx context.Context, id string) (*agentdomain.Instance, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM agent_instances WHERE id = ?`, instanceColumns), id)
	return scanInstance(row)
}

func (s *InstanceStore) Update(ctx context.Context, a *agentdomain.Instance) error {
	var completedAt any
	if a.Status == agentdomain.InstanceCompleted || a.Status == agentdomain.InstanceFailed {
		completedAt = formatTime(a.UpdatedAt)
	}
	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE agent_instances SET current_task_id=?, turn_count=?, status=?, completed_at=?
		WHERE id=?
	`, nullableString(a.CurrentTaskID), a.TurnCount, string(a.Status), completedAt, a.ID)
	if err != nil {
		return xerrors.ExecutionFailed("update agent instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("agent_instance", a.ID)
	}
	return nil
}

func (s *InstanceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM agent_instances WHERE id = ?`, id)
	if err != nil {
		return xerrors.ExecutionFailed("delete agent instance", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("agent_instance", id)
	}
	return nil
}

func (s *InstanceStore) List(ctx context.Context) ([]*agentdomain.Instance, error) {
	rows, err := s.db.Conn().QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM agent_instances ORDER BY started_at ASC`, instanceColumns))
	if err != nil {
		return nil, xerrors.ExecutionFailed("list agent instances", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*agentdomain.Instance
	for rows.Next() {
		a, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *InstanceStore) RunningCountByTemplate(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.Conn().QueryContext(ctx, `
		SELECT template_id, COUNT(*) FROM agent_instances WHERE status = ? GROUP BY template_id
	`, string(agentdomain.InstanceRunning))
	if err != nil {
		return nil, xerrors.ExecutionFailed("count running instances", err)
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int)
	for rows.Next() {
		var templateID string
		var count int
		if err := rows.Scan(&templateID, &count); err != nil {
			return nil, xerrors.SerializationError("scan running instance count", err)
		}
		out[templateID] = count
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*agentdomain.Instance, error) {
	var a agentdomain.Instance
	var currentTaskID sql.NullString
	var status string
	var startedAt string
	var completedAt sql.NullString

	err := row.Scan(&a.ID, &a.TemplateID, &a.TemplateName, &currentTaskID, &a.TurnCount,
		&status, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, xerrors.NotFound("agent_instance", "")
	}
	if err != nil {
		return nil, xerrors.ExecutionFailed("scan agent instance row", err)
	}

	a.CurrentTaskID = currentTaskID.String
	a.Status = agentdomain.InstanceStatus(status)
	a.CreatedAt = parseTime(startedAt)
	if completedAt.Valid {
		a.UpdatedAt = parseTime(completedAt.String)
	} else {
		a.UpdatedAt = a.CreatedAt
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

