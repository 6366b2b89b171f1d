package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/entrepeneur4lyf/forgechat/internal/llm"
)

// Status is the lifecycle state of a tool response
type Status int

const (
	StatusPending Status = iota
	StatusExecuted
	StatusFailed
	StatusNotExecuted
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusExecuted:
		return "EXECUTED"
	case StatusFailed:
		return "FAILED"
	case StatusNotExecuted:
		return "NOT_EXECUTED"
	default:
		return fmt.Sprintf("STATUS(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "PENDING":
		*s = StatusPending
	case "EXECUTED":
		*s = StatusExecuted
	case "FAILED":
		*s = StatusFailed
	case "NOT_EXECUTED":
		*s = StatusNotExecuted
	default:
		return fmt.Errorf("unknown tool response status %q", string(b))
	}
	return nil
}

// ToolResponse is the result of a ToolCall
type ToolResponse struct {
	Status Status
	Result any
	Error  string
	// Diagnostic holds the full failure detail of unexpected errors for the UI
	Diagnostic  string
	Duration    time.Duration
	Logs        []string
	Feedback    string
	Outcome     *Outcome
	Attachments []llm.Blob

	call *ToolCall
}

// Call returns the call this response belongs to
func (r *ToolResponse) Call() *ToolCall {
	return r.call
}

func (r *ToolResponse) Kind() llm.Kind { return llm.KindToolResponse }

func (r *ToolResponse) AsText() string {
	switch r.Status {
	case StatusExecuted:
		b, _ := json.Marshal(r.Result)
		return fmt.Sprintf("%s %s: %s", r.call.Name(), r.Status, llm.FormatValue(string(b)))
	case StatusPending:
		return fmt.Sprintf("%s %s", r.call.Name(), r.Status)
	default:
		return fmt.Sprintf("%s %s: %s", r.call.Name(), r.Status, llm.FormatValue(r.Error))
	}
}

// DefaultTurnsToKeep inherits the tool's retention
func (r *ToolResponse) DefaultTurnsToKeep() (int, bool) {
	return r.call.Tool.TurnsToKeep()
}

// Wire converts the response for a provider request
func (r *ToolResponse) Wire() llm.Content {
	return llm.FunctionResponse{
		ID:          r.call.ID,
		Name:        r.call.Name(),
		Response:    r.Envelope(),
		Attachments: r.Attachments,
	}
}

// Envelope is the structured body returned to the model
func (r *ToolResponse) Envelope() map[string]any {
	env := map[string]any{"status": r.Status.String()}
	if r.Status == StatusExecuted && r.Result != nil {
		env["output"] = r.Result
	}
	if r.Error != "" {
		env["error"] = r.Error
	}
	if len(r.Logs) > 0 {
		env["logs"] = r.Logs
	}
	if r.Feedback != "" {
		env["userFeedback"] = r.Feedback
	}
	if r.Duration > 0 {
		env["executionTimeMillis"] = r.Duration.Milliseconds()
	}
	return env
}

// reject moves a pending response to NotExecuted with an explanation
func (r *ToolResponse) reject(reason string) {
	r.Status = StatusNotExecuted
	r.Error = reason
}

// Reject marks a pending response as not executed
func (r *ToolResponse) Reject(reason string) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, r.call.ID, r.Status)
	}
	r.reject(reason)
	return nil
}

// Execute runs the tool. It is the only path to StatusExecuted. Tool failures
// are captured in the response; the returned error only reports misuse.
func (r *ToolResponse) Execute(ctx context.Context) error {
	if r.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, r.call.ID, r.Status)
	}

	exec := &Execution{}
	start := time.Now()
	result, err := invoke(withExecution(ctx, exec), r.call)
	r.Duration = time.Since(start)
	r.Logs, r.Attachments = appendDrained(r.Logs, r.Attachments, exec)

	if err != nil {
		r.fail(err)
		return nil
	}
	r.Result = result
	r.Status = StatusExecuted
	return nil
}

func appendDrained(logs []string, atts []llm.Blob, exec *Execution) ([]string, []llm.Blob) {
	l, a := exec.drain()
	return append(logs, l...), append(atts, a...)
}

// panicError carries a recovered panic and the stack at the point of failure
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func invoke(ctx context.Context, call *ToolCall) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &panicError{value: v, stack: debug.Stack()}
		}
	}()
	return call.Tool.execute(ctx, call.Args)
}

func (r *ToolResponse) fail(err error) {
	r.Status = StatusFailed

	var te *ToolError
	if errors.As(err, &te) {
		r.Error = te.Message
		return
	}

	var pe *panicError
	var stack []byte
	if errors.As(err, &pe) {
		stack = pe.stack
	} else {
		stack = debug.Stack()
	}
	r.Error = fmt.Sprintf("Unexpected error (%T): %v", err, err)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%T: %v\n", err, err)
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Fprintf(&sb, "Caused by %T: %v\n", cause, cause)
	}
	sb.Write(stack)
	r.Diagnostic = sb.String()
}
