package dify

import (
	"errors"
	"fmt"
)

// ErrStreamIncomplete is returned when the event stream closes before the
// terminal message_end event.
var ErrStreamIncomplete = errors.New("stream ended before message_end")

// Error is returned by every failed backend operation. Partial results are
// never returned alongside it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dify %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusError describes a non-success HTTP response.
type StatusError struct {
	StatusCode int
	URL        string
	Code       string
	Message    string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s returned status %d (%s): %s", e.URL, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.URL, e.StatusCode, e.Body)
}

// HTTPStatusCode returns the upstream status code.
func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// StreamError is an error event emitted inside the response stream.
type StreamError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error %d (%s): %s", e.Status, e.Code, e.Message)
}
