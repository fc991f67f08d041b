package errutils

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestErrorHandlingMiddleware_WritesEnvelope(t *testing.T) {
	h := ErrorHandlingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		*r = *WithError(r, errors.New("boom"), http.StatusBadRequest, "Invalid image data: boom")
	})

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Equal(t, "Invalid image data: boom", gjson.Get(body, "error.message").String())
	assert.Equal(t, "invalid_request_error", gjson.Get(body, "error.type").String())
	assert.EqualValues(t, 400, gjson.Get(body, "error.code").Int())
}

func TestErrorHandlingMiddleware_NoError(t *testing.T) {
	h := ErrorHandlingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAsHandlerError(t *testing.T) {
	inner := NewHandlerError(errors.New("x"), http.StatusNotFound, "Model Not Found")
	wrapped := fmt.Errorf("route: %w", inner)
	assert.Same(t, inner, AsHandlerError(wrapped))

	generic := AsHandlerError(errors.New("cuda out of memory"))
	assert.Equal(t, http.StatusInternalServerError, generic.StatusCode)
	assert.Equal(t, "Error generating response: cuda out of memory", generic.Message)
}

func TestBadRequest(t *testing.T) {
	e := BadRequest(errors.New("illegal base64 data"), "Invalid image data: ")
	assert.Equal(t, http.StatusBadRequest, e.StatusCode)
	assert.Equal(t, "Invalid image data: illegal base64 data", e.Message)
}
