// Package providers defines the common interfaces and types shared by all
// LLM connector implementations (internal/providers/openaicompat,
// internal/providers/ollama, internal/providers/googleimage).
//
// Connectors that support vector embeddings additionally implement
// EmbeddingProvider.
package providers

import (
	"context"
	"time"
)

// StreamChunk is one piece of a streamed completion.
type StreamChunk struct {
	Content        string
	FinishReason   string
	ToolCallDeltas []ToolCallDelta
}

// ToolCallDelta is one fragment of a tool call assembled across streaming
// chunks: Index is stable for the lifetime of one tool call within a
// turn, ID/Name arrive once (typically on the first delta for that
// index), and Arguments arrives as a sequence of concatenated JSON
// fragments that only form valid JSON once fully assembled.
type ToolCallDelta struct {
	Index     int
	ID        string
	Name      string
	Arguments string
}

// Message is a single chat message in the internal wire format.
type Message struct {
	Role    string // system | developer | user | assistant | tool
	Content string
	// ImageURLs holds any image parts attached to a user message (vision
	// fallback / multipart upload normalization). Empty for text-only turns.
	ImageURLs []string
	// ToolCallID threads a tool result back to the model; set only on
	// Role == "tool" messages produced by the tool loop (C4).
	ToolCallID string
}

// ToolCall is a single function-call request emitted by the model mid-turn.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// Usage reports token accounting for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ToolSpec describes one callable tool exposed to the model (C4).
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// ProxyRequest is the internal representation of a completion request,
// already resolved against an assistant's organization config.
type ProxyRequest struct {
	Model       string
	Messages    []Message
	Stream      bool
	Temperature float64
	MaxTokens   int
	Tools       []ToolSpec // JSON-schema tool specs available this turn
	AssistantID int
	Owner       string // assistant owner email, used for org config resolution
	APIKey      string // client-supplied key override, only honored when allowed
	RequestID   string
}

// ProxyResponse is the internal representation of a completion result.
// Stream is populated for streaming calls; otherwise Content and/or
// ToolCalls carry the result, since a model may return text alongside
// a request for tools.
type ProxyResponse struct {
	ID        string
	Model     string
	Content   string
	Usage     Usage
	ToolCalls []ToolCall
	Stream    <-chan StreamChunk
}

// EmbeddingRequest requests one or more embeddings for a KB ingestion or
// query operation (C6/C7).
type EmbeddingRequest struct {
	Input  []string
	Model  string
	Owner  string
	APIKey string
}

// EmbeddingData is one embedding vector, indexed to its input position.
type EmbeddingData struct {
	Index     int
	Embedding []float32
}

// EmbeddingResponse is the result of an embedding request.
type EmbeddingResponse struct {
	Model string
	Data  []EmbeddingData
	Usage Usage
}

// Provider is implemented by every connector. The connector set is closed:
// OpenAICompat, Ollama, GoogleImage. There is no provider registry beyond
// these three kinds — organization config selects which instance of each
// kind (if any) is wired for a given assistant owner.
type Provider interface {
	Name() string
	Request(ctx context.Context, req *ProxyRequest) (*ProxyResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is optionally implemented by a Provider that also
// serves embeddings (the OpenAI-compatible connector does; Ollama and the
// image connector do not and are never type-asserted to this interface).
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// StatusCoder is implemented by connector error types so the gateway can
// map an upstream failure to an HTTP status without a type switch per
// connector package.
type StatusCoder interface {
	HTTPStatus() int
}

// Kinds of provider a connector can be constructed as. An organization's
// config resolves, per assistant owner, which kind backs "default" and
// which backs "small_fast_model".
const (
	KindOpenAICompat = "openai_compat"
	KindOllama       = "ollama"
	KindGoogleImage  = "google_image"
)

// Timeouts, retry, and circuit-breaker defaults, carried from the donor
// gateway's provider.go and reused unchanged — these are generic HTTP
// client tuning values, not provider-specific.
const (
	CBErrorThreshold  = 5
	CBTimeWindow      = 60 * time.Second
	CBHalfOpenTimeout = 30 * time.Second
	MaxRetries        = 3
	ProviderTimeout   = 30 * time.Second
)
