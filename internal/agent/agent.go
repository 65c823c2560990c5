package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudquill/azure-agent/internal/llm"
)

// DefaultSystemPrompt seeds every conversation unless overridden in config.
const DefaultSystemPrompt = `You are a helpful assistant that answers questions about the user's Azure resources.
Use the available tools to look up live resource information before answering.
When a tool fails, explain the failure instead of guessing. Keep answers concise.`

const (
	defaultMaxRounds         = 20
	defaultCompletionTimeout = 2 * time.Minute
	defaultToolTimeout       = 1 * time.Minute
)

// ErrToolRoundsExceeded ends a turn whose tool-round count hit the configured
// ceiling. It is a distinct outcome: the model kept requesting tools without
// ever producing a final answer.
var ErrToolRoundsExceeded = errors.New("tool round limit exceeded")

// ToolSource supplies the tool catalog and executes tool calls. Satisfied by
// *mcp.Client.
type ToolSource interface {
	Connect(ctx context.Context) error
	Tools() []llm.ToolSpec
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Options tune a single Agent. Zero values fall back to defaults.
type Options struct {
	SystemPrompt      string
	MaxRounds         int
	CompletionTimeout time.Duration
	ToolTimeout       time.Duration
}

// Agent drives one user turn to a final answer: it streams completions,
// executes the tool calls the model requests, feeds results back, and repeats
// until the model answers without tools.
type Agent struct {
	provider llm.Provider
	tools    ToolSource

	systemPrompt      string
	maxRounds         int
	completionTimeout time.Duration
	toolTimeout       time.Duration
}

func New(provider llm.Provider, tools ToolSource, opts Options) *Agent {
	a := &Agent{
		provider:          provider,
		tools:             tools,
		systemPrompt:      opts.SystemPrompt,
		maxRounds:         opts.MaxRounds,
		completionTimeout: opts.CompletionTimeout,
		toolTimeout:       opts.ToolTimeout,
	}
	if a.systemPrompt == "" {
		a.systemPrompt = DefaultSystemPrompt
	}
	if a.maxRounds <= 0 {
		a.maxRounds = defaultMaxRounds
	}
	if a.completionTimeout <= 0 {
		a.completionTimeout = defaultCompletionTimeout
	}
	if a.toolTimeout <= 0 {
		a.toolTimeout = defaultToolTimeout
	}
	return a
}

// Result captures what a completed turn produced, for callers that want to
// persist the exchange.
type Result struct {
	Messages []llm.Message // messages appended during the turn, assistant text last
	Rounds   int           // completion rounds consumed
	Text     string        // concatenated answer text
}

// RunStream executes one turn and returns a stream of text chunks. Chunks
// appear in the exact order the model produced them; tool rounds happen
// between chunks without reordering or batching. The stream's terminal error
// is nil (io.EOF) on success, or the turn's failure.
func (a *Agent) RunStream(ctx context.Context, history []llm.Message, message string) llm.Stream {
	return llm.NewEventStream(ctx, func(ctx context.Context, events chan<- llm.Event) error {
		_, err := a.run(ctx, history, message, events)
		return err
	})
}

// Run executes one turn to completion and returns the final answer text. It
// is the non-streaming convenience mode: semantically identical to draining
// RunStream and concatenating every chunk.
func (a *Agent) Run(ctx context.Context, history []llm.Message, message string) (string, error) {
	result, err := a.RunTurn(ctx, history, message, nil)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// RunTurn executes one turn, optionally forwarding text chunks to events, and
// returns the messages the turn appended to the conversation.
func (a *Agent) RunTurn(ctx context.Context, history []llm.Message, message string, events chan<- llm.Event) (*Result, error) {
	return a.run(ctx, history, message, events)
}

func (a *Agent) run(ctx context.Context, history []llm.Message, message string, events chan<- llm.Event) (*Result, error) {
	if err := a.tools.Connect(ctx); err != nil {
		return nil, err
	}
	catalog := a.tools.Tools()

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.SystemText(a.systemPrompt))
	messages = append(messages, history...)
	messages = append(messages, llm.UserText(message))

	result := &Result{}
	var answer strings.Builder

	for round := 0; round < a.maxRounds; round++ {
		result.Rounds = round + 1
		text, calls, finish, err := a.streamCompletion(ctx, messages, catalog, events)
		if err != nil {
			return nil, err
		}
		answer.WriteString(text)

		// With an empty catalog no tool schema was offered, so a tool round
		// is never entered regardless of what the model emitted.
		if finish != llm.FinishToolCalls || len(calls) == 0 || len(catalog) == 0 {
			if text != "" {
				result.Messages = append(result.Messages, llm.AssistantText(text))
			}
			result.Text = answer.String()
			return result, nil
		}

		marker := fmt.Sprintf("\n[Running %d tool call(s)...]\n\n", len(calls))
		if err := a.forward(ctx, events, marker); err != nil {
			return nil, err
		}
		answer.WriteString(marker)

		calls = ensureCallIDs(calls)
		assistantMsg := buildAssistantMessage(text, calls)
		messages = append(messages, assistantMsg)
		result.Messages = append(result.Messages, assistantMsg)

		// Execute sequentially in accumulation order: some tools have
		// ordering-sensitive side effects, and results must be appended in
		// the order the model issued the calls. Every call gets exactly one
		// result message; a failure becomes an error payload, never a
		// dropped reply and never an aborted round.
		for _, call := range calls {
			resultMsg := a.executeCall(ctx, call)
			messages = append(messages, resultMsg)
			result.Messages = append(result.Messages, resultMsg)
		}
	}

	return nil, ErrToolRoundsExceeded
}

// streamCompletion runs one completion round: forwards text deltas as they
// arrive and returns the accumulated text, assembled tool calls, and finish
// reason.
func (a *Agent) streamCompletion(ctx context.Context, messages []llm.Message, catalog []llm.ToolSpec, events chan<- llm.Event) (string, []llm.ToolCall, llm.FinishReason, error) {
	cctx, cancel := context.WithTimeout(ctx, a.completionTimeout)
	defer cancel()

	stream, err := a.provider.Stream(cctx, llm.Request{
		Messages: messages,
		Tools:    catalog,
	})
	if err != nil {
		return "", nil, "", &llm.CompletionError{Err: err}
	}
	defer stream.Close()

	var text strings.Builder
	var calls []llm.ToolCall
	finish := llm.FinishStop

	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A blown per-request deadline is an upstream failure, not a
			// caller cancellation.
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				err = &llm.CompletionError{Err: err}
			}
			return "", nil, "", err
		}
		switch ev.Type {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
			if err := a.forward(ctx, events, ev.Text); err != nil {
				return "", nil, "", err
			}
		case llm.EventToolCall:
			if ev.Tool != nil {
				calls = append(calls, *ev.Tool)
			}
		case llm.EventDone:
			finish = ev.Finish
		}
	}

	return text.String(), calls, finish, nil
}

// executeCall runs one tool call and always produces its result message. A
// failed invocation yields a serialized {"error": ...} payload.
func (a *Agent) executeCall(ctx context.Context, call llm.ToolCall) llm.Message {
	tctx, cancel := context.WithTimeout(ctx, a.toolTimeout)
	defer cancel()

	output, err := a.tools.CallTool(tctx, call.Name, call.Arguments)
	if err != nil {
		payload, merr := json.Marshal(map[string]string{"error": err.Error()})
		if merr != nil {
			payload = []byte(`{"error":"tool invocation failed"}`)
		}
		return llm.ToolErrorMessage(call.ID, call.Name, string(payload))
	}
	return llm.ToolResultMessage(call.ID, call.Name, output)
}

func (a *Agent) forward(ctx context.Context, events chan<- llm.Event, text string) error {
	if events == nil || text == "" {
		return nil
	}
	return llm.Emit(ctx, events, llm.Event{Type: llm.EventTextDelta, Text: text})
}

func buildAssistantMessage(text string, calls []llm.ToolCall) llm.Message {
	var parts []llm.Part
	if text != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	}
	for i := range calls {
		call := calls[i]
		parts = append(parts, llm.Part{Type: llm.PartToolCall, ToolCall: &call})
	}
	return llm.Message{Role: llm.RoleAssistant, Parts: parts}
}

// ensureCallIDs fills in identifiers for calls the model left blank; the
// completion API requires one reply per call identifier.
func ensureCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("call-%d", i+1)
		}
	}
	return calls
}
