// Package evolutiondomain defines the per-template outcome record the
// evolution loop (C6, spec §4.9) uses to detect refinement triggers.
package evolutiondomain

import (
	"context"
	"time"
)

// Outcome is one recorded task run against a template.
type Outcome struct {
	ID              string
	TemplateName    string
	TemplateVersion int64
	Success         bool
	TurnsUsed       int
	TokensUsed      int
	RetryCount      int
	CreatedAt       time.Time
}

// Store is the evolution-outcome persistence port (C1/C6).
type Store interface {
	Record(ctx context.Context, o *Outcome) error
	// Recent returns the last limit outcomes for (templateName,
	// templateVersion), newest first, used to compute a windowed success
	// rate (spec §4.9 "success rate below threshold over a window").
	Recent(ctx context.Context, templateName string, templateVersion int64, limit int) ([]*Outcome, error)
}
