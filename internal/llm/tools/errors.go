package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

var (
	ErrNotPending      = errors.New("tool response is not pending")
	ErrMalformedPrompt = errors.New("prompter returned no decision for a call")
)

// ToolError is a domain failure raised by a tool. Its message is returned to
// the model verbatim.
type ToolError struct {
	Message string
	Err     error
}

// NewToolError formats a domain error
func NewToolError(format string, args ...any) *ToolError {
	return &ToolError{Message: fmt.Sprintf(format, args...)}
}

// WrapToolError attaches a domain message to an underlying error
func WrapToolError(err error, format string, args ...any) *ToolError {
	return &ToolError{Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Execution collects logs and attachments emitted by a running tool
type Execution struct {
	mu          sync.Mutex
	logs        []string
	attachments []llm.Blob
}

type executionKey struct{}

func withExecution(ctx context.Context, e *Execution) context.Context {
	return context.WithValue(ctx, executionKey{}, e)
}

// ExecutionFrom returns the execution of the tool running under ctx. The
// result is nil outside a tool, and its methods are nil-safe.
func ExecutionFrom(ctx context.Context) *Execution {
	e, _ := ctx.Value(executionKey{}).(*Execution)
	return e
}

// Log appends a line to the tool response log
func (e *Execution) Log(format string, args ...any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logs = append(e.logs, fmt.Sprintf(format, args...))
}

// Attach adds a binary attachment to the tool response
func (e *Execution) Attach(b llm.Blob) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attachments = append(e.attachments, b)
}

func (e *Execution) drain() ([]string, []llm.Blob) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logs, e.attachments
}
