package llm

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/sessiondomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/substrate"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// MockSubstrate is a deterministic substrate for tests: it never makes a
// network call and its output depends only on the request content, so
// scenarios are reproducible across runs (spec §7D).
type MockSubstrate struct {
	mu       sync.Mutex
	sessions map[string]*sessiondomain.Session
}

// NewMockSubstrate builds a deterministic mock substrate.
func NewMockSubstrate() *MockSubstrate {
	return &MockSubstrate{sessions: make(map[string]*sessiondomain.Session)}
}

func (m *MockSubstrate) Name() string                           { return "mock" }
func (m *MockSubstrate) IsAvailable(ctx context.Context) bool    { return true }

type mockScenario struct {
	chunks []string
	fail   bool
}

// selectScenario picks a deterministic outcome by inspecting the request's
// last message, so a test can steer the mock by keyword without a config
// side-channel.
func selectScenario(req substrate.Request) mockScenario {
	var last string
	if n := len(req.Messages); n > 0 {
		last = strings.ToLower(req.Messages[n-1].Content)
	}
	switch {
	case strings.Contains(last, "fail"):
		return mockScenario{fail: true}
	case strings.Contains(last, "tool"):
		return mockScenario{chunks: []string{"Invoking tool. ", "Tool completed. ", "Done."}}
	case last == "":
		return mockScenario{chunks: []string{"Mock substrate response."}}
	default:
		return mockScenario{chunks: []string{"Acknowledged: ", last, ". Task complete."}}
	}
}

func buildMockResult(req substrate.Request) (string, mockScenario) {
	scenario := selectScenario(req)
	var b strings.Builder
	for _, c := range scenario.chunks {
		b.WriteString(c)
	}
	return b.String(), scenario
}

func (m *MockSubstrate) newSession(req substrate.Request) *sessiondomain.Session {
	s := &sessiondomain.Session{
		ID:        uuid.NewString(),
		TaskID:    req.TaskID,
		Status:    sessiondomain.StatusActive,
		StartedAt: time.Now(),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

func (m *MockSubstrate) Execute(ctx context.Context, req substrate.Request) (*sessiondomain.Session, error) {
	session := m.newSession(req)
	result, scenario := buildMockResult(req)
	now := time.Now()
	if scenario.fail {
		session.Status = sessiondomain.StatusFailed
		session.Error = "mock substrate scenario: induced failure"
		session.EndedAt = &now
		return session, xerrors.ExecutionFailed(session.Error, nil)
	}
	session.Result = result
	session.TurnCount = 1
	session.Usage = sessiondomain.TokenUsage{InputTokens: 10, OutputTokens: len(strings.Fields(result))}
	session.Status = sessiondomain.StatusCompleted
	session.EndedAt = &now
	return session, nil
}

func (m *MockSubstrate) ExecuteStreaming(ctx context.Context, req substrate.Request) (<-chan substrate.Output, *sessiondomain.Session, error) {
	session := m.newSession(req)
	_, scenario := buildMockResult(req)
	out := make(chan substrate.Output, len(scenario.chunks)+1)

	go func() {
		defer close(out)
		now := time.Now()
		if scenario.fail {
			session.Status = sessiondomain.StatusFailed
			session.Error = "mock substrate scenario: induced failure"
			session.EndedAt = &now
			out <- substrate.Output{Kind: substrate.OutputError, Text: session.Error}
			return
		}
		var full strings.Builder
		for _, chunk := range scenario.chunks {
			select {
			case <-ctx.Done():
				return
			default:
			}
			full.WriteString(chunk)
			out <- substrate.Output{Kind: substrate.OutputAssistantText, Text: chunk}
		}
		session.Result = full.String()
		session.TurnCount = 1
		session.Usage = sessiondomain.TokenUsage{InputTokens: 10, OutputTokens: len(strings.Fields(full.String()))}
		session.Status = sessiondomain.StatusCompleted
		session.EndedAt = &now
		out <- substrate.Output{Kind: substrate.OutputTurnComplete, Turn: 1, InputTokens: 10, OutputTokens: session.Usage.OutputTokens}
		out <- substrate.Output{Kind: substrate.OutputSessionComplete, Result: full.String()}
	}()

	return out, session, nil
}

func (m *MockSubstrate) Resume(ctx context.Context, sessionID string, additionalPrompt string) (*sessiondomain.Session, error) {
	m.mu.Lock()
	prior, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, xerrors.NotFound("substrate_session", sessionID)
	}
	if !prior.Status.IsEnded() {
		return nil, xerrors.InvalidStateTransition(string(prior.Status), "resumed")
	}
	return m.Execute(ctx, substrate.Request{
		TaskID:   prior.TaskID,
		Messages: []substrate.Message{{Role: "user", Content: additionalPrompt}},
	})
}

func (m *MockSubstrate) Terminate(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return xerrors.NotFound("substrate_session", sessionID)
	}
	s.Status = sessiondomain.StatusTerminated
	return nil
}

func (m *MockSubstrate) GetSession(ctx context.Context, sessionID string) (*sessiondomain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, xerrors.NotFound("substrate_session", sessionID)
	}
	return s, nil
}

func (m *MockSubstrate) IsRunning(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false, xerrors.NotFound("substrate_session", sessionID)
	}
	return !s.Status.IsEnded(), nil
}

var _ substrate.Substrate = (*MockSubstrate)(nil)
