// Package swarmorchestrator implements C9: the top-level control loop that
// drives readiness updates, spawns agents under a global semaphore,
// reconciles state on startup, and produces the event stream (spec §4.5).
package swarmorchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/odgrim/abathur-swarm-sub004/internal/app/auditlog"
	"github.com/odgrim/abathur-swarm-sub004/internal/app/circuitbreaker"
	"github.com/odgrim/abathur-swarm-sub004/internal/app/evolution"
	"github.com/odgrim/abathur-swarm-sub004/internal/app/events"
	"github.com/odgrim/abathur-swarm-sub004/internal/app/goalcontext"
	"github.com/odgrim/abathur-swarm-sub004/internal/app/taskservice"
	"github.com/odgrim/abathur-swarm-sub004/internal/app/verifier"
	"github.com/odgrim/abathur-swarm-sub004/internal/app/worktreeservice"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/agentdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/auditdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/sessiondomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/substrate"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/taskdomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
)

// Status is the orchestrator's run state.
type Status string

const (
	StatusRunning      Status = "running"
	StatusPaused       Status = "paused"
	StatusShuttingDown Status = "shutting_down"
	StatusStopped      Status = "stopped"
)

// SubstrateFactory resolves a named provider to a usable Substrate,
// narrowing llm.Factory.Get to the one method the orchestrator needs.
type SubstrateFactory interface {
	Get(provider string) (substrate.Substrate, error)
}

// Config tunes the control loop (spec §4.5, §5).
type Config struct {
	PollInterval     time.Duration
	MaxAgents        int
	UseWorktrees     bool
	BaseRef          string
	SubstrateProvider string
	DefaultMaxTurns  int
	VerifyOnComplete bool
}

// DefaultConfig mirrors the teacher's conservative polling defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:      2 * time.Second,
		MaxAgents:         4,
		UseWorktrees:      true,
		BaseRef:           "main",
		SubstrateProvider: "mock",
		DefaultMaxTurns:   20,
	}
}

// Orchestrator is the C9 control loop (spec §4.5, §9 "single owner of
// long-lived mutable state").
type Orchestrator struct {
	cfg Config

	tasks      *taskservice.Service
	goalCtx    *goalcontext.Service
	worktrees  *worktreeservice.Service
	verifier   *verifier.Verifier
	templates  agentdomain.TemplateStore
	instances  agentdomain.InstanceStore
	breaker    *circuitbreaker.Manager
	evolution  *evolution.Loop
	audit      *auditlog.Log
	substrates SubstrateFactory
	pub        events.Publisher
	logger     logging.Logger

	sem *semaphore.Weighted

	mu     sync.RWMutex
	status Status

	wg sync.WaitGroup
}

// Deps bundles the Orchestrator's collaborators.
type Deps struct {
	Tasks      *taskservice.Service
	GoalCtx    *goalcontext.Service
	Worktrees  *worktreeservice.Service
	Verifier   *verifier.Verifier
	Templates  agentdomain.TemplateStore
	Instances  agentdomain.InstanceStore
	Breaker    *circuitbreaker.Manager
	Evolution  *evolution.Loop
	Audit      *auditlog.Log
	Substrates SubstrateFactory
	Publisher  events.Publisher
	Logger     logging.Logger
}

// New builds an Orchestrator, created Stopped until Run is called.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 1
	}
	return &Orchestrator{
		cfg:        cfg,
		tasks:      deps.Tasks,
		goalCtx:    deps.GoalCtx,
		worktrees:  deps.Worktrees,
		verifier:   deps.Verifier,
		templates:  deps.Templates,
		instances:  deps.Instances,
		breaker:    deps.Breaker,
		evolution:  deps.Evolution,
		audit:      deps.Audit,
		substrates: deps.Substrates,
		pub:        events.OrNop(deps.Publisher),
		logger:     logging.OrNop(deps.Logger),
		sem:        semaphore.NewWeighted(int64(cfg.MaxAgents)),
		status:     StatusStopped,
	}
}

// Status reports the orchestrator's current run state.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Orchestrator) setStatus(s Status) {
	o.mu.Lock()
	o.status = s
	o.mu.Unlock()
}

// Reconcile performs startup reconciliation (spec §4.5 "Startup
// reconciliation"): running tasks are failed, then readiness is
// recomputed for every non-terminal task so promotions/demotions settle
// before the loop starts.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	failed, err := o.tasks.ReconcileRunning(ctx)
	if err != nil {
		return err
	}
	if failed > 0 {
		o.logger.Warn("startup reconciliation: failed %d task(s) found running at boot", failed)
	}
	if o.worktrees != nil {
		if n, err := o.worktrees.Reconcile(ctx); err != nil {
			o.logger.Warn("worktree reconciliation failed: %v", err)
		} else if n > 0 {
			o.logger.Info("worktree reconciliation: demoted %d orphaned worktree(s)", n)
		}
	}
	if _, err := o.tasks.UpdateAllReadiness(ctx); err != nil {
		return err
	}
	return nil
}

// Run drives the control loop until ctx is canceled or Stop is called
// (spec §4.5). It blocks the calling goroutine; callers typically invoke it
// from its own goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Reconcile(ctx); err != nil {
		return err
	}

	o.setStatus(StatusRunning)
	o.pub.Publish(events.Event{Kind: events.KindStarted})

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status := o.Status()
		if status == StatusShuttingDown || status == StatusStopped {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if status == StatusPaused {
			select {
			case <-ctx.Done():
			case <-ticker.C:
			}
			continue
		}

		if _, err := o.tasks.UpdateAllReadiness(ctx); err != nil {
			o.logger.Error("update_task_readiness failed: %v", err)
		}
		o.processReadyTasks(ctx)
		o.processRetries(ctx)
		o.updateStats(ctx)

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	o.wg.Wait()
	o.setStatus(StatusStopped)
	return nil
}

// Pause is cooperative: the loop sleeps, already-spawned agents continue
// (spec §4.5 "Pause is cooperative").
func (o *Orchestrator) Pause() { o.setStatus(StatusPaused) }

// Resume reverses Pause.
func (o *Orchestrator) Resume() { o.setStatus(StatusRunning) }

// Stop signals shutdown: the loop exits after its current iteration;
// already-spawned agents finish on their own (spec §4.5 "Stop").
func (o *Orchestrator) Stop() { o.setStatus(StatusShuttingDown) }

func (o *Orchestrator) processReadyTasks(ctx context.Context) {
	ready, err := o.tasks.Ready(ctx, o.cfg.MaxAgents)
	if err != nil {
		o.logger.Error("process_ready_tasks: list ready failed: %v", err)
		return
	}
	for _, t := range ready {
		if !o.sem.TryAcquire(1) {
			break
		}
		t := t
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer o.sem.Release(1)
			o.spawn(ctx, t)
		}()
	}
}

func (o *Orchestrator) processRetries(ctx context.Context) {
	failedTasks, err := o.tasks.List(ctx, taskdomain.Filter{Statuses: []taskdomain.Status{taskdomain.StatusFailed}})
	if err != nil {
		o.logger.Error("process_retries: list failed failed: %v", err)
		return
	}
	for _, t := range failedTasks {
		if t.RetryCount >= t.MaxRetries {
			continue
		}
		if _, err := o.tasks.Retry(ctx, t.ID); err != nil {
			o.logger.Debug("retry of %q not yet eligible: %v", t.ID, err)
		}
	}
}

func (o *Orchestrator) updateStats(ctx context.Context) {
	counts, err := o.tasks.List(ctx, taskdomain.Filter{})
	if err != nil {
		return
	}
	stats := make(map[string]int)
	for _, t := range counts {
		stats[string(t.Status)]++
	}
	o.pub.Publish(events.Event{Kind: events.KindStatusUpdate, Stats: stats})
}

// spawn runs the full spawn sequence for one ready task (spec §4.5 steps
// 1-8).
func (o *Orchestrator) spawn(ctx context.Context, t *taskdomain.Task) {
	scope := "agent:" + t.AgentType
	if t.AgentType == "" {
		scope = "agent:default"
	}
	if o.breaker != nil {
		if err := o.breaker.Check(scope); err != nil {
			o.logger.Debug("spawn skipped for %q: %v", t.ID, err)
			return
		}
	}

	tmpl := o.resolveTemplate(ctx, t.AgentType)

	var worktreeID, worktreePath string
	if o.cfg.UseWorktrees && o.worktrees != nil {
		w, err := o.worktrees.Create(ctx, t.ID, o.cfg.BaseRef)
		if err != nil {
			o.logger.Warn("worktree creation failed for %q: %v", t.ID, err)
		} else {
			worktreeID = w.ID
			worktreePath = w.Path
		}
	}

	description := t.Description
	if o.goalCtx != nil {
		if augmented, err := o.goalCtx.Augment(ctx, t); err == nil {
			description = augmented
		}
	}

	claimed, err := o.tasks.Claim(ctx, t.ID, t.AgentType)
	if err != nil {
		o.logger.Debug("claim lost for %q: %v", t.ID, err)
		return
	}

	instance := o.spawnInstance(ctx, tmpl)

	req := substrate.Request{
		TaskID: claimed.ID,
		SystemPrompt: []substrate.SystemPromptBlock{
			{Text: systemPromptFor(tmpl), Cacheable: true},
		},
		Messages: []substrate.Message{{Role: "user", Content: description}},
		Config: substrate.Config{
			Model:      o.cfg.SubstrateProvider,
			MaxTurns:   maxTurnsFor(tmpl, o.cfg.DefaultMaxTurns),
			AllowTools: tmpl == nil || !tmpl.ReadOnly,
		},
	}

	sub, err := o.substrates.Get(o.cfg.SubstrateProvider)
	if err != nil {
		o.fail(ctx, claimed, worktreeID, instance, "resolving substrate: "+err.Error())
		return
	}

	session, err := sub.Execute(ctx, req)
	if err != nil || session == nil || session.Status != sessiondomain.StatusCompleted {
		reason := "substrate execution failed"
		if err != nil {
			reason = err.Error()
		} else if session != nil {
			reason = session.Error
		}
		o.fail(ctx, claimed, worktreeID, instance, reason)
		return
	}

	o.complete(ctx, claimed, worktreeID, worktreePath, instance, tmpl, session)
}

func (o *Orchestrator) resolveTemplate(ctx context.Context, agentType string) *agentdomain.Template {
	if o.templates == nil || agentType == "" {
		return nil
	}
	tmpl, err := o.templates.ActiveLatest(ctx, agentType)
	if err != nil {
		o.logger.Debug("no active template for %q, using default: %v", agentType, err)
		return nil
	}
	return tmpl
}

func (o *Orchestrator) spawnInstance(ctx context.Context, tmpl *agentdomain.Template) *agentdomain.Instance {
	if o.instances == nil {
		return nil
	}
	inst := &agentdomain.Instance{
		ID:        uuid.NewString(),
		Status:    agentdomain.InstanceRunning,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if tmpl != nil {
		inst.TemplateID = tmpl.ID
		inst.TemplateName = tmpl.Name
	}
	if err := o.instances.Create(ctx, inst); err != nil {
		o.logger.Warn("agent instance creation failed: %v", err)
		return nil
	}
	return inst
}

func (o *Orchestrator) complete(ctx context.Context, t *taskdomain.Task, worktreeID, worktreePath string,
	instance *agentdomain.Instance, tmpl *agentdomain.Template, session *sessiondomain.Session) {
	if _, err := o.tasks.Complete(ctx, t.ID); err != nil {
		o.logger.Error("completing task %q failed: %v", t.ID, err)
		return
	}

	if worktreeID != "" {
		if _, err := o.worktrees.Complete(ctx, worktreeID); err != nil {
			o.logger.Warn("worktree completion failed for %q: %v", t.ID, err)
		}
		if _, err := o.tasks.AttachArtifact(ctx, t.ID, taskdomain.Artifact{
			URI:  worktreePath,
			Type: "worktree",
		}); err != nil {
			o.logger.Warn("attaching artifact for %q failed: %v", t.ID, err)
		}
		if o.cfg.VerifyOnComplete && o.verifier != nil {
			if result, err := o.verifier.Verify(ctx, t, worktreeID, tmpl != nil && tmpl.ReadOnly); err != nil {
				o.logger.Warn("verification failed for %q: %v", t.ID, err)
			} else if !result.Passed() {
				o.logger.Warn("verification checks failed for %q", t.ID)
			}
		}
	}

	scope := scopeFor(t.AgentType)
	if o.breaker != nil {
		o.breaker.RecordSuccess(scope)
	}
	if o.evolution != nil && tmpl != nil {
		tokens := session.Usage.InputTokens + session.Usage.OutputTokens
		_ = o.evolution.RecordOutcome(ctx, tmpl.Name, tmpl.Version, true, session.TurnCount, tokens, t.RetryCount)
	}
	if o.audit != nil {
		o.audit.Info(ctx, auditdomain.CategoryTask, "complete", auditdomain.ActorAgent, "task", t.ID, "task completed successfully")
	}
	if instance != nil {
		instance.Status = agentdomain.InstanceCompleted
		instance.UpdatedAt = time.Now()
		_ = o.instances.Update(ctx, instance)
	}
	o.pub.Publish(events.Event{Kind: events.KindTaskCompleted, TaskID: t.ID})
}

func (o *Orchestrator) fail(ctx context.Context, t *taskdomain.Task, worktreeID string, instance *agentdomain.Instance, reason string) {
	if updated, err := o.tasks.Fail(ctx, t.ID, reason); err != nil {
		o.logger.Error("failing task %q failed: %v", t.ID, err)
	} else {
		t = updated
	}
	if worktreeID != "" && o.worktrees != nil {
		if err := o.worktrees.Fail(ctx, worktreeID, reason); err != nil {
			o.logger.Warn("worktree fail update failed for %q: %v", t.ID, err)
		}
	}

	scope := scopeFor(t.AgentType)
	if o.breaker != nil {
		o.breaker.RecordFailure(scope)
	}
	if o.evolution != nil {
		tmpl := o.resolveTemplate(ctx, t.AgentType)
		if tmpl != nil {
			_ = o.evolution.RecordOutcome(ctx, tmpl.Name, tmpl.Version, false, 0, 0, t.RetryCount)
		}
	}
	if o.audit != nil {
		o.audit.Warn(ctx, auditdomain.CategoryTask, "fail", auditdomain.ActorSystem, "task", t.ID, reason)
	}
	if instance != nil {
		instance.Status = agentdomain.InstanceFailed
		instance.UpdatedAt = time.Now()
		_ = o.instances.Update(ctx, instance)
	}
	o.pub.Publish(events.Event{Kind: events.KindTaskFailed, TaskID: t.ID, Error: reason})
}

func scopeFor(agentType string) string {
	if agentType == "" {
		return "agent:default"
	}
	return "agent:" + agentType
}

func systemPromptFor(tmpl *agentdomain.Template) string {
	if tmpl == nil {
		return "You are a worker agent executing a single task to completion."
	}
	return tmpl.SystemPrompt
}

func maxTurnsFor(tmpl *agentdomain.Template, fallback int) int {
	if tmpl != nil && tmpl.MaxTurns > 0 {
		return tmpl.MaxTurns
	}
	return fallback
}
