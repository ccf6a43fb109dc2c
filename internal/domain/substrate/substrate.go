// Package substrate defines the Substrate capability (C2, spec §4.2): the
// abstraction of an LLM backend the orchestrator consumes to run one task.
package substrate

import (
	"context"

	"github.com/odgrim/abathur-swarm-sub004/internal/domain/sessiondomain"
)

// SystemPromptBlock is one piece of the system prompt. The last block in a
// request is marked Cacheable to exploit provider-side prompt caching of
// the stable prefix (spec §4.2, §6).
type SystemPromptBlock struct {
	Text      string
	Cacheable bool
}

// Message is one turn of conversation sent to the substrate.
type Message struct {
	Role    string
	Content string
}

// Config bounds one invocation: turn budget, tool access, and model
// selection.
type Config struct {
	Model      string
	MaxTurns   int
	AllowTools bool
	Temperature float64
	MaxTokens   int
}

// Request is everything needed to run one substrate invocation for a task.
type Request struct {
	TaskID       string
	SystemPrompt []SystemPromptBlock
	Messages     []Message
	Config       Config
}

// OutputKind discriminates SubstrateOutput events (spec §4.2).
type OutputKind string

const (
	OutputAssistantText  OutputKind = "assistant_text"
	OutputToolStart      OutputKind = "tool_start"
	OutputToolResult     OutputKind = "tool_result"
	OutputTurnComplete   OutputKind = "turn_complete"
	OutputSessionComplete OutputKind = "session_complete"
	OutputError          OutputKind = "error"
	OutputStatus         OutputKind = "status"
)

// Output is one event from a streaming invocation. The stream ends
// deterministically after exactly one SessionComplete xor one terminating
// Error (spec §4.2 contract).
type Output struct {
	Kind OutputKind

	// AssistantText / Status / Error payload.
	Text string

	// ToolStart / ToolResult payload.
	ToolName   string
	ToolInput  string
	ToolOutput string

	// TurnComplete payload.
	Turn         int
	InputTokens  int
	OutputTokens int

	// SessionComplete payload.
	Result string
}

// Substrate is an LLM backend capability.
type Substrate interface {
	// Name identifies this substrate (e.g. "anthropic-http", "mock").
	Name() string
	// IsAvailable reports whether the backend is reachable/configured.
	IsAvailable(ctx context.Context) bool

	// Execute synchronously runs req to completion.
	Execute(ctx context.Context, req Request) (*sessiondomain.Session, error)

	// ExecuteStreaming starts req and returns a lazy, finite channel of
	// Output events alongside a session handle updated as events flow.
	// The channel is closed after the terminal event is delivered.
	ExecuteStreaming(ctx context.Context, req Request) (<-chan Output, *sessiondomain.Session, error)

	// Resume continues an ended session. Fails with xerrors
	// InvalidStateTransition if the session is still active.
	Resume(ctx context.Context, sessionID string, additionalPrompt string) (*sessiondomain.Session, error)

	// Terminate best-effort cancels a session. For in-flight HTTP requests
	// this marks the session terminated without necessarily aborting the
	// network call (spec §4.2).
	Terminate(ctx context.Context, sessionID string) error

	GetSession(ctx context.Context, sessionID string) (*sessiondomain.Session, error)
	IsRunning(ctx context.Context, sessionID string) (bool, error)
}
