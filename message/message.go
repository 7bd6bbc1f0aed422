// Package message defines the frames exchanged between callers, services and the orchestrator.
//
// Frames are serialized by the codec layer and wrapped in a protocol envelope before
// they are handed to the broker.
//
//   - CallFrame:     caller → service, names a command and carries its raw arguments.
//   - ResponseFrame: service → caller, carries the ordered result or an error.
//   - Registration:  service ↔ orchestrator, used by register/ack/heartbeat/unregister.
package message

import "fmt"

// CallFrame is a command invocation addressed to one service instance.
type CallFrame struct {
	ID      string   // Unique per call, echoed back in the response
	Target  string   // Encoded descriptor of the callee; routing only
	ReplyTo string   // Mailbox the response must be published to
	Command string   // Command name, e.g. "calculate-sum"
	Args    [][]byte // Ordered, uninterpreted arguments
}

// ResponseFrame is the answer to a CallFrame.
//
//   - On success: Payload is the handler result, IsError is false.
//   - On failure: Payload holds a single human-readable message, IsError is true and
//     Kind optionally classifies the failure. The message is not data.
type ResponseFrame struct {
	ID      string
	Payload [][]byte
	IsError bool
	Kind    string
}

// Registration is the body of register, ack, heartbeat and unregister envelopes.
type Registration struct {
	Descriptor string // Encoded descriptor of the registering service
	Reason     string // Rejection reason on a failed ack, empty otherwise
}

// Error kinds carried in ResponseFrame.Kind.
const (
	KindNotFound    = "not_found"
	KindBadRequest  = "bad_request"
	KindHandler     = "handler"
	KindTimeout     = "timeout"
	KindRateLimited = "rate_limited"
	KindTransport   = "transport"
	KindPanic       = "panic"
)

// RPCCallRequest is what a handler sees: the command name and its raw arguments.
// It is owned by exactly one handler invocation.
type RPCCallRequest struct {
	CommandName string
	Args        [][]byte
}

// NewRPCCallRequest builds the handler-facing request from a call frame.
// Arguments are passed through untouched.
func NewRPCCallRequest(frame *CallFrame) *RPCCallRequest {
	return &RPCCallRequest{
		CommandName: frame.Command,
		Args:        frame.Args,
	}
}

// Arg returns argument i as a string.
func (r *RPCCallRequest) Arg(i int) string {
	return string(r.Args[i])
}

// ExpectArgs returns a bad_request ErrorResult unless exactly n arguments were sent.
func (r *RPCCallRequest) ExpectArgs(n int) error {
	if len(r.Args) != n {
		return Errorf(KindBadRequest, "argument count must be %d but for %s %d found", n, r.CommandName, len(r.Args))
	}
	return nil
}

// ErrorResult is a failure that travels back to the caller instead of a result.
type ErrorResult struct {
	Kind    string
	Message string
}

// Errorf builds an ErrorResult of the given kind.
func Errorf(kind, format string, args ...any) *ErrorResult {
	return &ErrorResult{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *ErrorResult) Error() string {
	if e.Kind == "" {
		return e.Message
	}
	return e.Kind + ": " + e.Message
}

// SuccessResponse wraps a handler result.
func SuccessResponse(id string, payload [][]byte) *ResponseFrame {
	return &ResponseFrame{ID: id, Payload: payload}
}

// ErrorResponse wraps a failure. The message is the only payload element.
func ErrorResponse(id string, e *ErrorResult) *ResponseFrame {
	return &ResponseFrame{
		ID:      id,
		Payload: [][]byte{[]byte(e.Message)},
		IsError: true,
		Kind:    e.Kind,
	}
}

// Err converts an error response back into an ErrorResult. It returns nil on success.
func (r *ResponseFrame) Err() *ErrorResult {
	if !r.IsError {
		return nil
	}
	msg := ""
	if len(r.Payload) > 0 {
		msg = string(r.Payload[0])
	}
	return &ErrorResult{Kind: r.Kind, Message: msg}
}

// Strings returns the payload as strings, the shape most handlers reply with.
func (r *ResponseFrame) Strings() []string {
	out := make([]string, len(r.Payload))
	for i, p := range r.Payload {
		out[i] = string(p)
	}
	return out
}

// Bytes converts string arguments to the wire representation.
func Bytes(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}
