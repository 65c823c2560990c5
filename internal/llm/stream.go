package llm

import (
	"context"
	"io"
)

// eventStream adapts a producer function into a Stream. Events flow over an
// unbuffered channel so the producer is paced by the consumer, and both sides
// unblock when the context is cancelled or the stream is closed.
type eventStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	errc   chan error

	finished bool
	finalErr error
}

// NewEventStream runs the producer in a goroutine and returns a Stream over
// its events. When the producer returns, Recv yields io.EOF (nil return) or
// the producer's error. Closing the stream cancels the producer's context.
func NewEventStream(ctx context.Context, run func(ctx context.Context, events chan<- Event) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &eventStream{
		ctx:    ctx,
		cancel: cancel,
		events: make(chan Event),
		errc:   make(chan error, 1),
	}
	go func() {
		s.errc <- run(ctx, s.events)
		close(s.events)
	}()
	return s
}

func (s *eventStream) Recv() (Event, error) {
	if s.finished {
		return Event{}, s.finalErr
	}
	select {
	case <-s.ctx.Done():
		s.finished = true
		s.finalErr = s.ctx.Err()
		return Event{}, s.finalErr
	case ev, ok := <-s.events:
		if !ok {
			err := <-s.errc
			if err == nil {
				err = io.EOF
			}
			s.finished = true
			s.finalErr = err
			return Event{}, err
		}
		return ev, nil
	}
}

func (s *eventStream) Close() error {
	s.cancel()
	return nil
}

// Emit sends an event without wedging the producer when the consumer is gone.
func Emit(ctx context.Context, events chan<- Event, ev Event) error {
	select {
	case events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
