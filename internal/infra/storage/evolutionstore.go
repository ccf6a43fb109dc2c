package storage

import (
	"context"
	"fmt"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/evolutiondomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// EvolutionStore implements evolutiondomain.Store over SQLite.
type EvolutionStore struct {
	db *DB
}

func NewEvolutionStore(db *DB) *EvolutionStore { return &EvolutionStore{db: db} }

var _ evolutiondomain.Store = (*EvolutionStore)(nil)

const evolutionColumns = `id, template_name, template_version, success, turns_used, tokens_used, retry_count, created_at`

func (s *EvolutionStore) Record(ctx context.Context, o *evolutiondomain.Outcome) error {
	_, err := s.db.Conn().ExecContext(ctx, fmt.Sprintf(`INSERT INTO evolution_outcomes (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, evolutionColumns),
		o.ID, o.TemplateName, o.TemplateVersion, boolToInt(o.Success), o.TurnsUsed, o.TokensUsed, o.RetryCount, formatTime(o.CreatedAt),
	)
	if err != nil {
		return xerrors.ExecutionFailed("insert evolution outcome", err)
	}
	return nil
}

func (s *EvolutionStore) Recent(ctx context.Context, templateName string, templateVersion int64, limit int) ([]*evolutiondomain.Outcome, error) {
	query := fmt.Sprintf(`SELECT %s FROM evolution_outcomes WHERE template_name = ? AND template_version = ?
		ORDER BY created_at DESC`, evolutionColumns)
	args := []any{templateName, templateVersion}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Conn().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.ExecutionFailed("query evolution_outcomes", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*evolutiondomain.Outcome
	for rows.Next() {
		var o evolutiondomain.Outcome
		var success int
		var createdAt string
		if err := rows.Scan(&o.ID, &o.TemplateName, &o.TemplateVersion, &success, &o.TurnsUsed, &o.TokensUsed, &o.RetryCount, &createdAt); err != nil {
			return nil, xerrors.SerializationError("scan evolution outcome row", err)
		}
		o.Success = success != 0
		o.CreatedAt = parseTime(createdAt)
		out = append(out, &o)
	}
	return out, rows.Err()
}
