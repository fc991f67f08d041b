package errutils

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
)

type ContextKey string

const errorKey ContextKey = "error"

type HandlerError struct {
	Err        error  // original error, logged only
	StatusCode int    // HTTP status code
	Message    string // message shown to the client
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func WithHandlerError(r *http.Request, err *HandlerError) *http.Request {
	ctx := context.WithValue(r.Context(), errorKey, err)
	return r.WithContext(ctx)
}

func WithError(r *http.Request, err error, status int, msg string) *http.Request {
	return WithHandlerError(r, NewHandlerError(err, status, msg))
}

func NewHandlerError(err error, status int, msg string) *HandlerError {
	return &HandlerError{
		Err:        err,
		StatusCode: status,
		Message:    msg,
	}
}

// BadRequest wraps err as a 400 whose message is prefix followed by the error text.
func BadRequest(err error, prefix string) *HandlerError {
	return NewHandlerError(err, http.StatusBadRequest, prefix+err.Error())
}

// ErrorBody is the OpenAI-style error envelope.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func errorType(status int) string {
	switch {
	case status == http.StatusNotFound:
		return "not_found_error"
	case status == http.StatusServiceUnavailable:
		return "service_unavailable"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorBody{
		Error: ErrorDetail{Message: msg, Type: errorType(status), Code: status},
	})
}

// AsHandlerError returns err as a *HandlerError, mapping unknown errors to 500.
func AsHandlerError(err error) *HandlerError {
	handlerErr := &HandlerError{}
	if errors.As(err, &handlerErr) {
		return handlerErr
	}
	return NewHandlerError(err, http.StatusInternalServerError, "Error generating response: "+err.Error())
}

func ErrorHandlingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		if err, ok := r.Context().Value(errorKey).(*HandlerError); ok {
			logrus.WithContext(r.Context()).Errorf("Handler error: %v (returned as: %v)", err.Err, err.Message)
			WriteError(w, err.StatusCode, err.Message)
		}
	})
}
