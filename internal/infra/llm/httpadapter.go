package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/sessiondomain"
	"github.com/odgrim/abathur-swarm-sub004/internal/domain/substrate"
	"github.com/odgrim/abathur-swarm-sub004/internal/logging"
	"github.com/odgrim/abathur-swarm-sub004/internal/xerrors"
)

// HTTPSubstrate is the vendor HTTP adapter described in spec §4.2/§6: it
// POSTs to /v1/messages, parses SSE for streaming, and marks the last
// system-prompt block cacheable to exploit provider-side prompt caching.
type HTTPSubstrate struct {
	cfg    HTTPConfig
	client *http.Client
	logger logging.Logger

	mu       sync.Mutex
	sessions map[string]*trackedSession
}

type trackedSession struct {
	session *sessiondomain.Session
	cancel  context.CancelFunc
	running bool
}

// NewHTTPSubstrate builds a vendor HTTP substrate adapter.
func NewHTTPSubstrate(cfg HTTPConfig, logger logging.Logger) *HTTPSubstrate {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPSubstrate{
		cfg:      cfg,
		client:   &http.Client{Timeout: timeout},
		logger:   logging.OrNop(logger),
		sessions: make(map[string]*trackedSession),
	}
}

func (s *HTTPSubstrate) Name() string { return "vendor-http" }

func (s *HTTPSubstrate) IsAvailable(ctx context.Context) bool {
	return strings.TrimSpace(s.cfg.APIKey) != "" && strings.TrimSpace(s.cfg.BaseURL) != ""
}

func (s *HTTPSubstrate) newSession(req substrate.Request) *sessiondomain.Session {
	return &sessiondomain.Session{
		ID:        uuid.NewString(),
		TaskID:    req.TaskID,
		Status:    sessiondomain.StatusStarting,
		StartedAt: time.Now(),
	}
}

func (s *HTTPSubstrate) buildWireRequest(req substrate.Request, stream bool) wireRequest {
	system := make([]wireSystemBlock, len(req.SystemPrompt))
	for i, block := range req.SystemPrompt {
		wb := wireSystemBlock{Type: "text", Text: block.Text}
		if block.Cacheable {
			wb.CacheControl = &wireCacheControl{Type: "ephemeral"}
		}
		system[i] = wb
	}
	// The last block is always the one that should carry the stable,
	// cacheable prefix per spec §4.2, regardless of caller intent.
	if len(system) > 0 {
		system[len(system)-1].CacheControl = &wireCacheControl{Type: "ephemeral"}
	}

	messages := make([]wireMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = wireMessage{
			Role:    m.Role,
			Content: []wireContentBlock{{Type: "text", Text: m.Content}},
		}
	}

	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return wireRequest{
		Model:     firstNonEmpty(req.Config.Model, s.cfg.Model),
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Stream:    stream,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (s *HTTPSubstrate) doRequest(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.ExecutionFailed("build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.cfg.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, xerrors.ExecutionFailed("substrate http call failed", err)
	}
	return resp, nil
}

// Execute synchronously runs req to completion (spec §4.2).
func (s *HTTPSubstrate) Execute(ctx context.Context, req substrate.Request) (*sessiondomain.Session, error) {
	session := s.newSession(req)
	session.Status = sessiondomain.StatusActive
	s.track(session, nil)
	defer s.untrack(session.ID)

	wireReq := s.buildWireRequest(req, false)
	body, err := json.Marshal(wireReq)
	if err != nil {
		return s.fail(session, xerrors.SerializationError("marshal substrate request", err))
	}

	resp, err := s.doRequest(ctx, body, false)
	if err != nil {
		return s.fail(session, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return s.fail(session, xerrors.ExecutionFailed(
			fmt.Sprintf("substrate returned status %d: %s", resp.StatusCode, string(respBody)), nil))
	}

	var wireResp wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wireResp); err != nil {
		return s.fail(session, xerrors.SerializationError("decode substrate response", err))
	}

	var text strings.Builder
	for _, block := range wireResp.Content {
		text.WriteString(block.Text)
	}

	session.Result = text.String()
	session.TurnCount = 1
	session.Usage = sessiondomain.TokenUsage{
		InputTokens:      wireResp.Usage.InputTokens,
		OutputTokens:     wireResp.Usage.OutputTokens,
		CacheReadTokens:  wireResp.Usage.CacheReadInputTokens,
		CacheWriteTokens: wireResp.Usage.CacheCreationInputTokens,
	}
	session.Status = sessiondomain.StatusCompleted
	now := time.Now()
	session.EndedAt = &now
	return session, nil
}

func (s *HTTPSubstrate) fail(session *sessiondomain.Session, err error) (*sessiondomain.Session, error) {
	session.Status = sessiondomain.StatusFailed
	session.Error = err.Error()
	now := time.Now()
	session.EndedAt = &now
	return session, err
}

// ExecuteStreaming starts req and streams substrate.Output events (spec
// §4.2). The channel is closed after SessionComplete or a terminating
// Error; allow_tools=false inhibits any ToolStart event.
func (s *HTTPSubstrate) ExecuteStreaming(ctx context.Context, req substrate.Request) (<-chan substrate.Output, *sessiondomain.Session, error) {
	session := s.newSession(req)
	session.Status = sessiondomain.StatusActive
	streamCtx, cancel := context.WithCancel(ctx)
	s.track(session, cancel)

	out := make(chan substrate.Output, 16)

	wireReq := s.buildWireRequest(req, true)
	body, err := json.Marshal(wireReq)
	if err != nil {
		cancel()
		s.untrack(session.ID)
		_, ferr := s.fail(session, xerrors.SerializationError("marshal substrate request", err))
		return nil, session, ferr
	}

	resp, err := s.doRequest(streamCtx, body, true)
	if err != nil {
		cancel()
		s.untrack(session.ID)
		_, ferr := s.fail(session, err)
		return nil, session, ferr
	}

	go s.pump(streamCtx, cancel, session, resp, out, req.Config.AllowTools)

	return out, session, nil
}

func (s *HTTPSubstrate) pump(ctx context.Context, cancel context.CancelFunc, session *sessiondomain.Session, resp *http.Response, out chan<- substrate.Output, allowTools bool) {
	defer cancel()
	defer s.untrack(session.ID)
	defer close(out)
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		msg := fmt.Sprintf("substrate returned status %d: %s", resp.StatusCode, string(respBody))
		s.finishError(session, out, msg)
		return
	}

	var text strings.Builder
	var usage sessiondomain.TokenUsage
	turn := 0
	toolOpen := false

	parseErr := parseSSE(resp.Body, func(evt wireSSEEvent) bool {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		switch evt.Event {
		case "content_block_start":
			var payload struct {
				ContentBlock struct {
					Type string `json:"type"`
					Name string `json:"name"`
				} `json:"content_block"`
			}
			_ = json.Unmarshal([]byte(evt.Data), &payload)
			if payload.ContentBlock.Type == "tool_use" && allowTools {
				toolOpen = true
				out <- substrate.Output{Kind: substrate.OutputToolStart, ToolName: payload.ContentBlock.Name}
			}
		case "content_block_delta":
			var payload struct {
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			_ = json.Unmarshal([]byte(evt.Data), &payload)
			if payload.Delta.Text != "" {
				text.WriteString(payload.Delta.Text)
				out <- substrate.Output{Kind: substrate.OutputAssistantText, Text: payload.Delta.Text}
			}
		case "content_block_stop":
			if toolOpen && allowTools {
				out <- substrate.Output{Kind: substrate.OutputToolResult}
				toolOpen = false
			}
		case "message_delta":
			var payload struct {
				Usage wireUsage `json:"usage"`
			}
			_ = json.Unmarshal([]byte(evt.Data), &payload)
			turn++
			usage = usage.Add(sessiondomain.TokenUsage{
				InputTokens:      payload.Usage.InputTokens,
				OutputTokens:     payload.Usage.OutputTokens,
				CacheReadTokens:  payload.Usage.CacheReadInputTokens,
				CacheWriteTokens: payload.Usage.CacheCreationInputTokens,
			})
			out <- substrate.Output{
				Kind:         substrate.OutputTurnComplete,
				Turn:         turn,
				InputTokens:  payload.Usage.InputTokens,
				OutputTokens: payload.Usage.OutputTokens,
			}
		case "message_stop":
			return true
		case "error":
			s.finishError(session, out, evt.Data)
			return true
		case "ping", "message_start":
			// no-op
		}
		return false
	})

	if parseErr != nil {
		s.finishError(session, out, parseErr.Error())
		return
	}

	session.Result = text.String()
	session.TurnCount = turn
	session.Usage = usage
	session.Status = sessiondomain.StatusCompleted
	now := time.Now()
	session.EndedAt = &now
	out <- substrate.Output{Kind: substrate.OutputSessionComplete, Result: text.String()}
}

func (s *HTTPSubstrate) finishError(session *sessiondomain.Session, out chan<- substrate.Output, msg string) {
	session.Status = sessiondomain.StatusFailed
	session.Error = msg
	now := time.Now()
	session.EndedAt = &now
	out <- substrate.Output{Kind: substrate.OutputError, Text: msg}
}

func (s *HTTPSubstrate) track(session *sessiondomain.Session, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = &trackedSession{session: session, cancel: cancel, running: true}
}

func (s *HTTPSubstrate) untrack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.sessions[id]; ok {
		t.running = false
	}
}

// Resume continues an ended session (spec §4.2); fails if still active.
func (s *HTTPSubstrate) Resume(ctx context.Context, sessionID string, additionalPrompt string) (*sessiondomain.Session, error) {
	s.mu.Lock()
	t, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil, xerrors.NotFound("substrate_session", sessionID)
	}
	if t.running {
		return nil, xerrors.InvalidStateTransition(string(t.session.Status), "resumed")
	}
	return s.Execute(ctx, substrate.Request{
		TaskID:   t.session.TaskID,
		Messages: []substrate.Message{{Role: "user", Content: additionalPrompt}},
	})
}

// Terminate best-effort cancels sessionID (spec §4.2, §5): marks it
// terminated without necessarily aborting the in-flight network call.
func (s *HTTPSubstrate) Terminate(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	t, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return xerrors.NotFound("substrate_session", sessionID)
	}
	t.session.Status = sessiondomain.StatusTerminated
	if t.cancel != nil {
		t.cancel()
	}
	return nil
}

func (s *HTTPSubstrate) GetSession(ctx context.Context, sessionID string) (*sessiondomain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.sessions[sessionID]
	if !ok {
		return nil, xerrors.NotFound("substrate_session", sessionID)
	}
	return t.session, nil
}

func (s *HTTPSubstrate) IsRunning(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.sessions[sessionID]
	if !ok {
		return false, xerrors.NotFound("substrate_session", sessionID)
	}
	return t.running, nil
}

var _ substrate.Substrate = (*HTTPSubstrate)(nil)
