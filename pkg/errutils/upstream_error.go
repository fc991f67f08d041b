package errutils

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/tidwall/gjson"
)

const maxQuotedBody = 256

// UpstreamRespError is a non-200 answer from an upstream model server.
// The handler relays status, header and body to the client unchanged.
type UpstreamRespError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *UpstreamRespError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Message())
}

// Message is error.message of an OpenAI error envelope, or the start of the raw body.
func (e *UpstreamRespError) Message() string {
	if msg := gjson.GetBytes(e.Body, "error.message"); msg.Type == gjson.String {
		return msg.String()
	}
	if len(e.Body) > maxQuotedBody {
		return string(e.Body[:maxQuotedBody]) + "..."
	}
	return string(e.Body)
}

// Retryable reports whether another backend could answer differently.
func (e *UpstreamRespError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// UpstreamHTTPError is a transport failure talking to an upstream: nothing usable came back.
type UpstreamHTTPError struct {
	Err        error
	StatusCode int // set when the failure happened while reading a response
}

func (e *UpstreamHTTPError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream unreachable: %s", e.Err.Error())
	}
	return fmt.Sprintf("upstream failed after status %d: %s", e.StatusCode, e.Err.Error())
}

func (e *UpstreamHTTPError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the upstream did not answer in time.
func (e *UpstreamHTTPError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
