package pipeline

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Context carries the per-request metadata handed to every hook of one call.
// It is created once by the orchestrator and never modified afterwards.
type Context struct {
	// RequestID identifies the request inside the State Store. It is only
	// unique between two consecutive clears of the owning store.
	RequestID uint64

	// RemoteAddr identifies the client connection, as reported by the listener.
	RemoteAddr string
}

// String formats the request ID the way it appears in logs and headers.
func (c Context) String() string {
	return strconv.FormatUint(c.RequestID, 16)
}

// Action is the outcome kind of a hook.
type Action int

const (
	// ActionNext continues the pipeline unchanged.
	ActionNext Action = iota
	// ActionRespond replaces the current response. During BeforeRequest it
	// also bypasses the upstream dispatch.
	ActionRespond
)

// String returns the lowercase name of the action.
func (a Action) String() string {
	switch a {
	case ActionNext:
		return "next"
	case ActionRespond:
		return "respond"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the result returned by a hook.
type Decision struct {
	Action   Action
	Response *http.Response
}

// Next is the Decision that lets the pipeline continue.
var Next = Decision{Action: ActionNext}

// RespondWith returns a Decision replacing the current response with resp.
func RespondWith(resp *http.Response) Decision {
	return Decision{Action: ActionRespond, Response: resp}
}

// errEmptyResponse is reported when a hook asks to respond without a response.
var errEmptyResponse = errors.New("decision RespondWith carries no response")

// Error is a hook error that knows which HTTP response it should become.
// Hooks may return any error; those that are not an *Error become a 500.
type Error struct {
	StatusCode int
	Message    string
	Header     http.Header
	Err        error
}

// NewError creates an Error with the given status and message.
func NewError(status int, message string) *Error {
	return &Error{StatusCode: status, Message: message}
}

// WrapError creates an Error with the given status that wraps err.
func WrapError(status int, err error) *Error {
	return &Error{StatusCode: status, Message: err.Error(), Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%d %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%d %s", e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorResponse converts a hook error into the response sent in its place.
// req may be nil when no request is attached to the current phase.
func ErrorResponse(req *http.Request, err error) *http.Response {
	status := http.StatusInternalServerError
	message := http.StatusText(status)

	var perr *Error
	if errors.As(err, &perr) {
		if perr.StatusCode >= 100 && perr.StatusCode <= 999 {
			status = perr.StatusCode
		}
		if perr.Message != "" {
			message = perr.Message
		} else {
			message = http.StatusText(status)
		}
	}

	resp := NewResponse(req, status, message+"\n")
	if perr != nil {
		for k, vv := range perr.Header {
			for _, v := range vv {
				resp.Header.Add(k, v)
			}
		}
	}
	return resp
}

// NewResponse builds a complete plain-text response for req. Middlewares use
// it to answer without contacting upstream.
func NewResponse(req *http.Request, status int, body string) *http.Response {
	resp := &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
	resp.Header.Set("Content-Type", "text/plain; charset=utf-8")
	return resp
}
