package refresh

import (
	"errors"
	"fmt"
	"strings"
)

// NetworkError is a request-level failure: DNS, connection reset, timeout.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("refresh request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// HTTPError is a non-2xx response with its raw body.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("refresh endpoint returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("refresh endpoint returned HTTP %d: %s", e.Status, body)
}

// DecodeError is a 2xx response whose body is not a JSON object.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("refresh response is not a JSON object: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// FailureClass tells the lifecycle what a refresh failure means for a session.
type FailureClass int

const (
	// ClassNone is the class of a nil error.
	ClassNone FailureClass = iota
	// ClassTransient failures leave the session as it was; the next sweep retries.
	ClassTransient
	// ClassAuthRejected means the refresh token is no longer accepted.
	ClassAuthRejected
)

func (c FailureClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassAuthRejected:
		return "auth_rejected"
	default:
		return "unknown"
	}
}

// Classify maps an error from Client.Refresh to a FailureClass. Only HTTP 400,
// HTTP 401 and bodies mentioning invalid_grant are auth rejections.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassNone
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status == 400 || httpErr.Status == 401 || strings.Contains(httpErr.Body, "invalid_grant") {
			return ClassAuthRejected
		}
	}
	return ClassTransient
}
