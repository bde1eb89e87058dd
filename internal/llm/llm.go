package llm

import (
	"context"
	"errors"
)

// Client defines the capability to extract text from an image with a given
// instruction. One synchronous call, no conversation history, no streaming.
// Repeated identical calls may return slightly different text; callers must
// not assume byte-stable output.
type Client interface {
	Extract(ctx context.Context, instruction string, imageJPEG []byte) (string, error)
}

// ErrorKind classifies extraction failures for the orchestrator.
type ErrorKind string

const (
	KindMissingCredential ErrorKind = "missing_credential"
	KindNoCapableModel    ErrorKind = "no_capable_model"
	KindTimeout           ErrorKind = "timeout"
	KindExtractionFailed  ErrorKind = "extraction_failed"
)

// Error is the only error type that escapes an extraction client.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string { return e.Message }

// NewError builds a classified extraction error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// KindOf extracts the kind from an error, defaulting to the catch-all.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindExtractionFailed
}
