// Package evolution implements C6: records per-template success/failure
// outcomes and detects refinement triggers (spec §4.9). The refinement
// itself is performed by an external agent template, out of core scope —
// this loop only detects the signal and emits a RefinementEvent naming the
// template and the trigger.
package evolution

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/evolutiondomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
)

// Trigger names why a refinement event fired.
type Trigger string

const (
	TriggerLowSuccessRate   Trigger = "low_success_rate"
	TriggerExcessiveRetries Trigger = "excessive_retries"
	TriggerFailureStreak    Trigger = "failure_streak"
)

// RefinementEvent names the template and the trigger that fired.
type RefinementEvent struct {
	TemplateName    string
	TemplateVersion int64
	Trigger         Trigger
	WindowSize      int
	SuccessCount    int
	FailureCount    int
	Message         string
}

// Thresholds tunes when a refinement trigger fires.
type Thresholds struct {
	// WindowSize is how many recent outcomes to inspect.
	WindowSize int
	// MinSuccessRate below which TriggerLowSuccessRate fires, once the
	// window is full.
	MinSuccessRate float64
	// MaxFailureStreak is the number of consecutive failures (within the
	// window, most recent first) that fires TriggerFailureStreak.
	MaxFailureStreak int
	// MaxRetries is the per-task retry budget (the same value callers pass
	// as a task's max_retries). An outcome that reports a RetryCount at or
	// above this counts as having exhausted its retry budget.
	MaxRetries int
	// MaxRetryExhaustionRate is the fraction of outcomes in a full window
	// that may exhaust their retry budget before TriggerExcessiveRetries
	// fires.
	MaxRetryExhaustionRate float64
}

// DefaultThresholds mirrors the teacher's conservative defaults: a 10-run
// window, 50% minimum success rate, a streak of 3, and a 30% retry
// exhaustion rate against a budget of 3 retries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WindowSize:             10,
		MinSuccessRate:         0.5,
		MaxFailureStreak:       3,
		MaxRetries:             3,
		MaxRetryExhaustionRate: 0.3,
	}
}

// OnRefinement is invoked whenever a trigger fires.
type OnRefinement func(ctx context.Context, e RefinementEvent)

// Loop is the evolution loop service.
type Loop struct {
	store      evolutiondomain.Store
	thresholds Thresholds
	onEvent    OnRefinement
	logger     logging.Logger
}

// New builds an evolution Loop. onEvent may be nil, in which case
// refinement events are only logged.
func New(store evolutiondomain.Store, thresholds Thresholds, onEvent OnRefinement, logger logging.Logger) *Loop {
	return &Loop{store: store, thresholds: thresholds, onEvent: onEvent, logger: logging.OrNop(logger)}
}

// RecordOutcome persists one task outcome against templateName/Version and
// evaluates whether it crosses a refinement threshold (spec §4.9).
// retryCount is the task's retry count at the time this outcome was
// recorded, used to detect the "excessive retries" trigger.
func (l *Loop) RecordOutcome(ctx context.Context, templateName string, templateVersion int64, success bool, turnsUsed, tokensUsed, retryCount int) error {
	o := &evolutiondomain.Outcome{
		ID:              uuid.NewString(),
		TemplateName:    templateName,
		TemplateVersion: templateVersion,
		Success:         success,
		TurnsUsed:       turnsUsed,
		TokensUsed:      tokensUsed,
		RetryCount:      retryCount,
		CreatedAt:       time.Now(),
	}
	if err := l.store.Record(ctx, o); err != nil {
		return err
	}
	l.evaluate(ctx, templateName, templateVersion)
	return nil
}

func (l *Loop) evaluate(ctx context.Context, templateName string, templateVersion int64) {
	window := l.thresholds.WindowSize
	if window <= 0 {
		window = DefaultThresholds().WindowSize
	}
	recent, err := l.store.Recent(ctx, templateName, templateVersion, window)
	if err != nil {
		l.logger.Warn("evolution: failed to load recent outcomes for %s@%d: %v", templateName, templateVersion, err)
		return
	}
	if len(recent) == 0 {
		return
	}

	successes, failures, streak := 0, 0, 0
	streakBroken := false
	for _, o := range recent {
		if o.Success {
			successes++
			streakBroken = true
		} else {
			failures++
			if !streakBroken {
				streak++
			}
		}
	}

	if maxStreak := l.thresholds.MaxFailureStreak; maxStreak > 0 && streak >= maxStreak {
		l.fire(ctx, RefinementEvent{
			TemplateName: templateName, TemplateVersion: templateVersion,
			Trigger: TriggerFailureStreak, WindowSize: len(recent),
			SuccessCount: successes, FailureCount: failures,
			Message: "consecutive failure streak reached threshold",
		})
		return
	}

	if len(recent) >= window && l.thresholds.MaxRetries > 0 && l.thresholds.MaxRetryExhaustionRate > 0 {
		exhausted := 0
		for _, o := range recent {
			if o.RetryCount >= l.thresholds.MaxRetries {
				exhausted++
			}
		}
		if rate := float64(exhausted) / float64(len(recent)); rate >= l.thresholds.MaxRetryExhaustionRate {
			l.fire(ctx, RefinementEvent{
				TemplateName: templateName, TemplateVersion: templateVersion,
				Trigger: TriggerExcessiveRetries, WindowSize: len(recent),
				SuccessCount: successes, FailureCount: failures,
				Message: "tasks are repeatedly exhausting their retry budget over the window",
			})
			return
		}
	}

	if len(recent) >= window && l.thresholds.MinSuccessRate > 0 {
		rate := float64(successes) / float64(len(recent))
		if rate < l.thresholds.MinSuccessRate {
			l.fire(ctx, RefinementEvent{
				TemplateName: templateName, TemplateVersion: templateVersion,
				Trigger: TriggerLowSuccessRate, WindowSize: len(recent),
				SuccessCount: successes, FailureCount: failures,
				Message: "success rate fell below configured minimum over the window",
			})
		}
	}
}

func (l *Loop) fire(ctx context.Context, e RefinementEvent) {
	l.logger.Warn("evolution: refinement trigger %s for %s@%d (successes=%d failures=%d window=%d)",
		e.Trigger, e.TemplateName, e.TemplateVersion, e.SuccessCount, e.FailureCount, e.WindowSize)
	if l.onEvent != nil {
		l.onEvent(ctx, e)
	}
}
