package engine

import (
	"errors"
	"fmt"
)

// FailureCode categorizes why a request did not complete successfully.
type FailureCode string

const (
	// CodeNoEvent: no template matched and no default exists. No sink was
	// touched and fallback is never attempted.
	CodeNoEvent FailureCode = "NO_EVENT"

	// CodeNoSink: no sink remained after capability checks and filtering.
	CodeNoSink FailureCode = "NO_SINK"

	// CodePrepareFailed: a sink's Prepare returned an error.
	CodePrepareFailed FailureCode = "PREPARE_FAILED"

	// CodePlayFailed: a sink's Play returned an error after synchronization.
	CodePlayFailed FailureCode = "PLAY_FAILED"

	// CodeSinkFailed: a sink reported Fail while preparing or playing.
	CodeSinkFailed FailureCode = "SINK_FAILED"
)

// RequestError describes a request failure. It is what inputs receive in
// SendError.
type RequestError struct {
	Code      FailureCode
	Message   string
	RequestID uint32
	Event     string
	Sink      string
	Err       error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s: %s (request=%d, event=%s", e.Code, e.Message, e.RequestID, e.Event)
	if e.Sink != "" {
		msg += ", sink=" + e.Sink
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

func newRequestError(code FailureCode, req *Request, sink string, err error) *RequestError {
	return &RequestError{
		Code:      code,
		Message:   failureMessages[code],
		RequestID: req.id,
		Event:     req.name,
		Sink:      sink,
		Err:       err,
	}
}

var failureMessages = map[FailureCode]string{
	CodeNoEvent:       "no matching event",
	CodeNoSink:        "no capable sink",
	CodePrepareFailed: "sink prepare failed",
	CodePlayFailed:    "sink play failed",
	CodeSinkFailed:    "sink failed",
}

// FailureCodeOf extracts the failure code from err.
// Uses errors.As to handle wrapped errors.
func FailureCodeOf(err error) (FailureCode, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return "", false
}

// IsResolutionFailure reports whether err is a NO_EVENT failure.
func IsResolutionFailure(err error) bool {
	code, ok := FailureCodeOf(err)
	return ok && code == CodeNoEvent
}

// IsSelectionFailure reports whether err is a NO_SINK failure.
func IsSelectionFailure(err error) bool {
	code, ok := FailureCodeOf(err)
	return ok && code == CodeNoSink
}
