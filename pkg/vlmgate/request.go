package vlmgate

import (
	"bytes"
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

type APIFormat string

const (
	APIFormatUnknown         APIFormat = ""
	APIFormatChatCompletions APIFormat = "chat/completions"
)

const RequestIDHeader = "X-Request-Id"

type Request struct {
	ID     string // X-Request-Id of the client, or a generated one
	Method string
	Format APIFormat
	URL    *url.URL
	Query  url.Values
	Header http.Header
	Body   *UnifiedBody

	ctx context.Context
}

// NewRequest wraps an incoming HTTP request. The body is not read until needed.
// A request without X-Request-Id gets one so upstreams and logs can correlate it.
func NewRequest(r *http.Request, format APIFormat) *Request {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
		r.Header.Set(RequestIDHeader, id)
	}
	return &Request{
		ID:     id,
		Method: r.Method,
		Format: format,
		URL:    r.URL,
		Query:  r.URL.Query(),
		Header: r.Header,
		Body:   NewBodyFromReader(r.Body, nil),
		ctx:    r.Context(),
	}
}

func (u *Request) Context() context.Context {
	if u.ctx == nil {
		return context.Background()
	}
	return u.ctx
}

// WithContext returns a shallow copy of the request bound to ctx.
func (u *Request) WithContext(ctx context.Context) *Request {
	r := *u
	r.ctx = ctx
	return &r
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       *UnifiedBody
	Stream     *StreamChan // set instead of Body for event streams
}

func NewNonStreamResponse(statusCode int, header http.Header, body *UnifiedBody) *Response {
	return &Response{StatusCode: statusCode, Header: header, Body: body}
}

func NewStreamResponse(statusCode int, header http.Header, stream *StreamChan) *Response {
	return &Response{StatusCode: statusCode, Header: header, Stream: stream}
}

type StreamChunk struct {
	Body     *UnifiedBody
	Metadata map[string]string // SSE "event" and "id" fields, if any
}

// StreamChan carries the chunks of one event stream. Close stops the producer.
type StreamChan struct {
	ch        <-chan *StreamChunk
	closeFunc func()
}

func NewStreamChan(ch <-chan *StreamChunk, closeFunc func()) *StreamChan {
	return &StreamChan{ch: ch, closeFunc: closeFunc}
}

func (sc *StreamChan) Chan() <-chan *StreamChunk {
	return sc.ch
}

func (sc *StreamChan) Close() {
	if sc.closeFunc != nil {
		sc.closeFunc()
	}
}

var doneSentinel = []byte("[DONE]")

// DoneChunk returns the chunk that terminates an OpenAI event stream.
func DoneChunk() *StreamChunk {
	return &StreamChunk{Body: NewBodyFromBytes(doneSentinel, &RawParser{})}
}

// IsDone reports whether b is the [DONE] sentinel.
func IsDone(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), doneSentinel)
}
