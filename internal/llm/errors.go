package llm

import "fmt"

// ErrorKind classifies inference failures so the orchestrator can pick the
// right user-facing message without string-matching backend errors itself.
type ErrorKind int

const (
	// KindUnreachable covers connection refused, HTTP transport failures and
	// timeouts talking to the backend.
	KindUnreachable ErrorKind = iota
	// KindModelMissing means the backend answered but does not have the
	// configured model.
	KindModelMissing
	// KindMalformed means the backend returned an empty or unusable
	// completion.
	KindMalformed
)

// InferenceError is the typed failure returned by the gateway.
type InferenceError struct {
	Kind ErrorKind
	Err  error
}

func (e *InferenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("inference error (kind %d)", e.Kind)
	}
	return fmt.Sprintf("inference error: %v", e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// UserMessage maps the error kind to the text shown in the chat room. Users
// get a different message per kind so they can tell a down backend from a
// misconfigured model.
func (e *InferenceError) UserMessage() string {
	switch e.Kind {
	case KindModelMissing:
		return "The requested model is unavailable. Please check the bot configuration."
	case KindMalformed:
		return "I received an unusable answer from the AI service. Please try again."
	default:
		return "Sorry, the AI service is unavailable right now."
	}
}
