// Package tools implements C4, the Tool Registry & Loop: named tools
// with JSON-schema specs, and a bounded loop that executes tool calls
// returned by a connector between model turns.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lamb-project/completion-gateway/internal/providers"
)

// Handler executes one tool call and returns its result as a string
// (normally JSON) to be fed back to the model as a "tool" message.
type Handler func(ctx context.Context, rawArgs string) (string, error)

// Tool pairs a spec the model sees with the handler that runs it.
type Tool struct {
	Spec    providers.ToolSpec
	Handler Handler
}

// Registry holds the tools available to an assistant turn.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a Registry from the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Spec.Name] = t
	}
	return r
}

// Specs returns the JSON-schema specs for every registered tool, in the
// shape a connector's Request expects on ProxyRequest.Tools.
func (r *Registry) Specs() []providers.ToolSpec {
	specs := make([]providers.ToolSpec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, t.Spec)
	}
	return specs
}

// Lookup returns the tool's handler and whether it exists.
func (r *Registry) Lookup(name string) (Handler, bool) {
	t, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return t.Handler, true
}

// MaxIterations bounds how many times in total the loop calls the
// connector, the first call included, guarding against a model that keeps
// requesting tools indefinitely.
const MaxIterations = 5

// Connector is the subset of providers.Provider the loop needs.
type Connector interface {
	Request(ctx context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error)
}

// Run drives the tool-calling loop: it calls connector.Request, and for
// every tool call the model returns, executes the matching registered
// tool and appends its result as a "tool" message, then calls the
// connector again — until the model stops asking for tools or
// MaxIterations is reached. Dispatches to runStreaming when req.Stream is
// set, since the assembly strategy differs (deltas must be buffered and
// inspected for tool calls before anything reaches the client).
func Run(ctx context.Context, connector Connector, reg *Registry, req providers.ProxyRequest) (*providers.ProxyResponse, error) {
	if req.Stream {
		return runStreaming(ctx, connector, reg, req)
	}

	messages := append([]providers.Message(nil), req.Messages...)
	req.Tools = reg.Specs()

	for i := 0; i < MaxIterations; i++ {
		req.Messages = messages
		resp, err := connector.Request(ctx, &req)
		if err != nil {
			return nil, err
		}
		if len(resp.ToolCalls) == 0 {
			return resp, nil
		}

		messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content})
		for _, tc := range resp.ToolCalls {
			result, err := executeTool(ctx, reg, tc)
			if err != nil {
				result = fmt.Sprintf(`{"error": %q}`, err.Error())
			}
			messages = append(messages, providers.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}

	return nil, fmt.Errorf("tools: exceeded %d tool-loop iterations", MaxIterations)
}

// runStreaming drives the same bounded loop as Run, but each turn is a
// streamed connector call: deltas are buffered and assembled into whole
// tool calls before the loop decides whether to execute them and retry,
// or — on a turn with no tool calls — replay the buffered chunks as the
// response stream handed back to the caller. The stream therefore is
// never forwarded live mid-turn; only the final, tool-call-free turn's
// output ever reaches the client.
func runStreaming(ctx context.Context, connector Connector, reg *Registry, req providers.ProxyRequest) (*providers.ProxyResponse, error) {
	messages := append([]providers.Message(nil), req.Messages...)
	req.Tools = reg.Specs()
	req.Stream = true

	for i := 0; i < MaxIterations; i++ {
		req.Messages = messages
		resp, err := connector.Request(ctx, &req)
		if err != nil {
			return nil, err
		}

		buffered, toolCalls, content := assembleStream(resp.Stream)
		if len(toolCalls) == 0 {
			return &providers.ProxyResponse{ID: resp.ID, Model: resp.Model, Stream: replay(buffered)}, nil
		}

		messages = append(messages, providers.Message{Role: "assistant", Content: content})
		for _, tc := range toolCalls {
			result, err := executeTool(ctx, reg, tc)
			if err != nil {
				result = fmt.Sprintf(`{"error": %q}`, err.Error())
			}
			messages = append(messages, providers.Message{Role: "tool", Content: result, ToolCallID: tc.ID})
		}
	}

	return nil, fmt.Errorf("tools: exceeded %d tool-loop iterations", MaxIterations)
}

// toolCallBuilder accumulates one tool call's fields across streaming
// deltas — Arguments arrives as a sequence of JSON fragments that only
// parse once fully concatenated.
type toolCallBuilder struct {
	id, name string
	args     strings.Builder
}

// assembleStream drains ch, returning every chunk seen (for replay on a
// tool-call-free turn), the fully assembled tool calls in index order,
// and the concatenated plain-text content.
func assembleStream(ch <-chan providers.StreamChunk) (buffered []providers.StreamChunk, toolCalls []providers.ToolCall, content string) {
	builders := make(map[int]*toolCallBuilder)
	var order []int

	for chunk := range ch {
		buffered = append(buffered, chunk)
		content += chunk.Content
		for _, d := range chunk.ToolCallDeltas {
			b, ok := builders[d.Index]
			if !ok {
				b = &toolCallBuilder{}
				builders[d.Index] = b
				order = append(order, d.Index)
			}
			if d.ID != "" {
				b.id = d.ID
			}
			if d.Name != "" {
				b.name = d.Name
			}
			b.args.WriteString(d.Arguments)
		}
	}

	for _, idx := range order {
		b := builders[idx]
		toolCalls = append(toolCalls, providers.ToolCall{ID: b.id, Name: b.name, Arguments: b.args.String()})
	}
	return buffered, toolCalls, content
}

// replay re-emits previously buffered chunks on a fresh channel, already
// closed once drained — used to hand the final, tool-call-free turn's
// output to the caller after it was consumed once for tool-call assembly.
func replay(chunks []providers.StreamChunk) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func executeTool(ctx context.Context, reg *Registry, tc providers.ToolCall) (string, error) {
	handler, ok := reg.Lookup(tc.Name)
	if !ok {
		return "", fmt.Errorf("tools: unknown tool %q", tc.Name)
	}
	if !json.Valid([]byte(tc.Arguments)) {
		return "", fmt.Errorf("tools: invalid arguments JSON for %q", tc.Name)
	}
	return handler(ctx, tc.Arguments)
}
