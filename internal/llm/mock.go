package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MockTurn is one scripted model response.
type MockTurn struct {
	Text  string
	Calls []ToolCall
	Err   error
}

// MockProvider is a scripted Provider for tests. Each Stream call consumes
// the next configured turn; requests are recorded for later assertions.
type MockProvider struct {
	name string

	mu       sync.Mutex
	turns    []MockTurn
	turn     int
	Requests []Request
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

func (p *MockProvider) Name() string {
	return p.name
}

// AddTextResponse queues a plain text turn with finish reason "stop".
func (p *MockProvider) AddTextResponse(text string) *MockProvider {
	return p.AddTurn(MockTurn{Text: text})
}

// AddToolCall queues a turn that requests a single tool invocation.
func (p *MockProvider) AddToolCall(id, name string, args any) *MockProvider {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("mock tool call args: %v", err))
	}
	return p.AddTurn(MockTurn{Calls: []ToolCall{{ID: id, Name: name, Arguments: raw}}})
}

// AddError queues a turn that fails with a completion error.
func (p *MockProvider) AddError(err error) *MockProvider {
	return p.AddTurn(MockTurn{Err: err})
}

func (p *MockProvider) AddTurn(turn MockTurn) *MockProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turn)
	return p
}

// Reset clears recorded requests and rewinds to the first turn.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = nil
	p.turn = 0
}

// CurrentTurn returns the index of the next turn to be consumed.
func (p *MockProvider) CurrentTurn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn
}

func (p *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	if p.turn >= len(p.turns) {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock provider: no turn configured for request %d", len(p.Requests))
	}
	turn := p.turns[p.turn]
	p.turn++
	p.mu.Unlock()

	return NewEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if turn.Err != nil {
			return &CompletionError{Err: turn.Err}
		}
		for _, chunk := range chunkText(turn.Text, 8) {
			if err := Emit(ctx, events, Event{Type: EventTextDelta, Text: chunk}); err != nil {
				return err
			}
		}
		finish := FinishStop
		if len(turn.Calls) > 0 {
			finish = FinishToolCalls
		}
		for i := range turn.Calls {
			call := turn.Calls[i]
			if err := Emit(ctx, events, Event{Type: EventToolCall, Tool: &call}); err != nil {
				return err
			}
		}
		return Emit(ctx, events, Event{Type: EventDone, Finish: finish})
	}), nil
}

// chunkText splits text into fixed-size pieces to simulate streaming deltas.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return append(chunks, text)
}
