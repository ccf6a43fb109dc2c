package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/goaldomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// GoalStore implements goaldomain.Store over SQLite.
type GoalStore struct {
	db *DB
}

func NewGoalStore(db *DB) *GoalStore { return &GoalStore{db: db} }

var _ goaldomain.Store = (*GoalStore)(nil)

const goalColumns = `id, name, description, status, priority, parent_id, constraints,
	applicability_domains, evaluation_criteria, created_at, updated_at`

func (s *GoalStore) Create(ctx context.Context, g *goaldomain.Goal) error {
	if g.ParentID != "" {
		if g.ParentID == g.ID {
			return xerrors.ValidationFailed("goal parent_id would introduce a cycle")
		}
		ancestors, err := s.Ancestors(ctx, g.ParentID)
		if err != nil {
			return err
		}
		for _, a := range ancestors {
			if a.ID == g.ID {
				return xerrors.ValidationFailed("goal parent_id would introduce a cycle")
			}
		}
	}

	constraints, err := json.Marshal(g.Constraints)
	if err != nil {
		return xerrors.SerializationError("marshal goal constraints", err)
	}
	domains, err := json.Marshal(g.ApplicabilityDomains)
	if err != nil {
		return xerrors.SerializationError("marshal applicability domains", err)
	}
	criteria, err := json.Marshal(g.EvaluationCriteria)
	if err != nil {
		return xerrors.SerializationError("marshal evaluation criteria", err)
	}

	_, err = s.db.Conn().ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO goals (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, goalColumns),
		g.ID, g.Name, g.Description, string(g.Status), string(g.Priority), nullableString(g.ParentID),
		string(constraints), string(domains), string(criteria),
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt),
	)
	if err != nil {
		return xerrors.ExecutionFailed("insert goal", err)
	}
	return nil
}

func (s *GoalStore) Get(ctx context.Context, id string) (*goaldomain.Goal, error) {
	row := s.db.Conn().QueryRowContext(ctx, fmt.Sprintf(`SELECT %s FROM goals WHERE id = ?`, goalColumns), id)
	return scanGoal(row)
}

func (s *GoalStore) Update(ctx context.Context, g *goaldomain.Goal) error {
	constraints, err := json.Marshal(g.Constraints)
	if err != nil {
		return xerrors.SerializationError("marshal goal constraints", err)
	}
	domains, err := json.Marshal(g.ApplicabilityDomains)
	if err != nil {
		return xerrors.SerializationError("marshal applicability domains", err)
	}
	criteria, err := json.Marshal(g.EvaluationCriteria)
	if err != nil {
		return xerrors.SerializationError("marshal evaluation criteria", err)
	}

	res, err := s.db.Conn().ExecContext(ctx, `
		UPDATE goals SET name=?, description=?, status=?, priority=?, parent_id=?, constraints=?,
			applicability_domains=?, evaluation_criteria=?, updated_at=?
		WHERE id=?
	`,
		g.Name, g.Description, string(g.Status), string(g.Priority), nullableString(g.ParentID),
		string(constraints), string(domains), string(criteria), formatTime(g.UpdatedAt), g.ID,
	)
	if err != nil {
		return xerrors.ExecutionFailed("update goal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("goal", g.ID)
	}
	return nil
}

func (s *GoalStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.Conn().ExecContext(ctx, `DELETE FROM goals WHERE id = ?`, id)
	if err != nil {
		return xerrors.ExecutionFailed("delete goal", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.NotFound("goal", id)
	}
	return nil
}

func (s *GoalStore) List(ctx context.Context, filter goaldomain.Filter) ([]*goaldomain.Goal, error) {
	query := fmt.Sprintf(`SELECT %s FROM goals WHERE 1=1`, goalColumns)
	var args []any
	if filter.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, filter.ParentID)
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
	return s.queryGoals(ctx, query, args...)
}

func (s *GoalStore) MatchByDomain(ctx context.Context, domains []string) ([]*goaldomain.Goal, error) {
	all, err := s.queryGoals(ctx, fmt.Sprintf(`SELECT %s FROM goals WHERE status = ?`, goalColumns), string(goaldomain.StatusActive))
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		return all, nil
	}
	wanted := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		wanted[d] = struct{}{}
	}
	var matched []*goaldomain.Goal
	for _, g := range all {
		for _, d := range g.ApplicabilityDomains {
			if _, ok := wanted[d]; ok {
				matched = append(matched, g)
				break
			}
		}
	}
	return matched, nil
}

func (s *GoalStore) Ancestors(ctx context.Context, id string) ([]*goaldomain.Goal, error) {
	const q = `
		WITH RECURSIVE chain(id, parent_id, depth) AS (
			SELECT id, parent_id, 0 FROM goals WHERE id = ?
			UNION ALL
			SELECT g.id, g.parent_id, c.depth + 1
			FROM goals g JOIN chain c ON g.id = c.parent_id
		)
		SELECT ` + goalColumns + ` FROM goals WHERE id IN (SELECT id FROM chain WHERE depth > 0)
	`
	return s.queryGoals(ctx, q, id)
}

func (s *GoalStore) queryGoals(ctx context.Context, query string, args ...any) ([]*goaldomain.Goal, error) {
	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.ExecutionFailed("query goals", err)
	}
	defer func() { _ = rows.Close() }()
	var goals []*goaldomain.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func scanGoal(row rowScanner) (*goaldomain.Goal, error) {
	var g goaldomain.Goal
	var parentID sql.NullString
	var status, priority string
	var constraints, domains, criteria string
	var createdAt, updatedAt string

	err := row.Scan(&g.ID, &g.Name, &g.Description, &status, &priority, &parentID,
		&constraints, &domains, &criteria, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, xerrors.NotFound("goal", "")
	}
	if err != nil {
		return nil, xerrors.ExecutionFailed("scan goal row", err)
	}

	g.ParentID = parentID.String
	g.Status = goaldomain.Status(status)
	g.Priority = taskdomain.Priority(priority)
	if err := json.Unmarshal([]byte(constraints), &g.Constraints); err != nil {
		return nil, xerrors.SerializationError("unmarshal goal constraints", err)
	}
	if err := json.Unmarshal([]byte(domains), &g.ApplicabilityDomains); err != nil {
		return nil, xerrors.SerializationError("unmarshal applicability domains", err)
	}
	if err := json.Unmarshal([]byte(criteria), &g.EvaluationCriteria); err != nil {
		return nil, xerrors.SerializationError("unmarshal evaluation criteria", err)
	}
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}
