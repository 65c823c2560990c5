package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/azure"
	"github.com/openai/openai-go/v2/shared"
)

// AzureProvider implements Provider against an Azure OpenAI deployment using
// the chat completions streaming API.
type AzureProvider struct {
	client     openai.Client
	deployment string
}

// NewAzureProvider creates a provider for the given Azure OpenAI resource.
// The deployment name doubles as the model identifier on every request.
func NewAzureProvider(endpoint, apiKey, apiVersion, deployment string) *AzureProvider {
	client := openai.NewClient(
		azure.WithEndpoint(endpoint, apiVersion),
		azure.WithAPIKey(apiKey),
	)
	return &AzureProvider{
		client:     client,
		deployment: deployment,
	}
}

func (p *AzureProvider) Name() string {
	return fmt.Sprintf("Azure OpenAI (%s)", p.deployment)
}

// Stream issues a streamed chat completion. Text deltas are forwarded as they
// arrive; tool-call fragments are assembled by positional index and emitted as
// complete calls once the upstream stream ends, followed by a done event
// carrying the finish reason.
func (p *AzureProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	return NewEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		model := req.Model
		if model == "" {
			model = p.deployment
		}

		params := openai.ChatCompletionNewParams{
			Model:    shared.ChatModel(model),
			Messages: buildChatMessages(req.Messages),
		}
		// An empty catalog advertises no tool-calling capability at all.
		if len(req.Tools) > 0 {
			params.Tools = buildChatTools(req.Tools)
		}

		stream := p.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		state := newToolCallAssembler()
		finish := FinishStop

		for stream.Next() {
			chunk := stream.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content != "" {
					if err := Emit(ctx, events, Event{Type: EventTextDelta, Text: choice.Delta.Content}); err != nil {
						return err
					}
				}
				if len(choice.Delta.ToolCalls) > 0 {
					state.add(choice.Delta.ToolCalls)
				}
				if choice.FinishReason == "tool_calls" {
					finish = FinishToolCalls
				}
			}
		}
		if err := stream.Err(); err != nil {
			return &CompletionError{Err: err}
		}

		for _, call := range state.calls() {
			call := call
			if err := Emit(ctx, events, Event{Type: EventToolCall, Tool: &call}); err != nil {
				return err
			}
		}
		return Emit(ctx, events, Event{Type: EventDone, Finish: finish})
	}), nil
}

func buildChatMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.SystemMessage(msg.TextContent()))
		case RoleUser:
			result = append(result, openai.UserMessage(msg.TextContent()))
		case RoleAssistant:
			text, toolCalls := splitAssistantParts(msg.Parts)
			if len(toolCalls) > 0 {
				assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
				if text != "" {
					assistant.Content.OfString = openai.String(text)
				}
				result = append(result, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
				continue
			}
			if text != "" {
				result = append(result, openai.AssistantMessage(text))
			}
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				result = append(result, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ID))
			}
		}
	}
	return result
}

func splitAssistantParts(parts []Part) (string, []openai.ChatCompletionMessageToolCallUnionParam) {
	var textParts []string
	var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				textParts = append(textParts, part.Text)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: part.ToolCall.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      part.ToolCall.Name,
						Arguments: string(part.ToolCall.Arguments),
					},
				},
			})
		}
	}
	return strings.Join(textParts, ""), toolCalls
}

func buildChatTools(specs []ToolSpec) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
			Parameters:  shared.FunctionParameters(spec.Schema),
		}))
	}
	return tools
}

// toolCallAssembler accumulates streamed tool-call fragments. Fragments
// sharing a positional index belong to one call: the id and function name come
// from the first fragment that supplies them, argument text concatenates in
// arrival order. Fields may arrive in any order across fragments.
type toolCallAssembler struct {
	byIndex map[int64]*partialToolCall
	order   []int64
}

type partialToolCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{byIndex: make(map[int64]*partialToolCall)}
}

func (a *toolCallAssembler) add(fragments []openai.ChatCompletionChunkChoiceDeltaToolCall) {
	for _, frag := range fragments {
		partial, ok := a.byIndex[frag.Index]
		if !ok {
			partial = &partialToolCall{}
			a.byIndex[frag.Index] = partial
			a.order = append(a.order, frag.Index)
		}
		if frag.ID != "" && partial.id == "" {
			partial.id = frag.ID
		}
		if frag.Function.Name != "" && partial.name == "" {
			partial.name = frag.Function.Name
		}
		if frag.Function.Arguments != "" {
			partial.args.WriteString(frag.Function.Arguments)
		}
	}
}

func (a *toolCallAssembler) calls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	sort.Slice(a.order, func(i, j int) bool { return a.order[i] < a.order[j] })
	calls := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		partial := a.byIndex[idx]
		calls = append(calls, ToolCall{
			ID:        partial.id,
			Name:      partial.name,
			Arguments: json.RawMessage(partial.args.String()),
		})
	}
	return calls
}
