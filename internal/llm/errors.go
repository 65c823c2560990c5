package llm

import "fmt"

// CompletionError wraps an upstream completion API failure. Text already
// streamed before the failure stays with the caller; the turn is failed and
// is never silently resumed.
type CompletionError struct {
	Err error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("completion: %v", e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}
