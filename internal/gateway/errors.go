package gateway

import (
	"fmt"

	"github.com/synthesisproject/synthesis/internal/rules"
)

// Error codes surfaced at the tool boundary. Rule denials carry their own
// codes (TENANT_MISSING, EVENT_INVALID, PAYLOAD_INVALID, TS_INVALID).
const (
	CodeInvalidArgs  = "INVALID_ARGS"
	CodeNotFound     = "NOT_FOUND"
	CodeToolNotFound = "TOOL_NOT_FOUND"
	CodeInternal     = "INTERNAL"
)

// Error is the structured failure shape returned to tool callers. Internal
// errors never leak storage or bus details into Message.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func invalidArgs(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgs, Message: fmt.Sprintf(format, args...)}
}

func notFound(message string) *Error {
	return &Error{Code: CodeNotFound, Message: message}
}

func toolNotFound(name string) *Error {
	return &Error{Code: CodeToolNotFound, Message: fmt.Sprintf("unknown tool: %s", name)}
}

func internalError(message string) *Error {
	return &Error{Code: CodeInternal, Message: message}
}

func denialError(denial *rules.Denial) *Error {
	return &Error{Code: denial.Code, Message: denial.Message}
}
