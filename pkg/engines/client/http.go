package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/sirupsen/logrus"
)

// maxSSELineSize bounds a single SSE line; chunks may echo large data URLs.
const maxSSELineSize = 8 << 20

// skipRequestHeaders are not forwarded to the upstream.
var skipRequestHeaders = []string{
	"Authorization",
	"Accept-Encoding",
	"Connection",
	"Content-Length",
	"Host",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPEndpoint posts the request body to an upstream and turns the reply into
// a vlmgate response, re-framing text/event-stream bodies into stream chunks.
type HTTPEndpoint struct {
	client          *http.Client
	getURL          func(req *vlmgate.Request) (string, error)
	reqModifier     func(req *vlmgate.Request, hreq *http.Request) *http.Request
	nonstreamParser func(req *vlmgate.Request) vlmgate.Parser
	streamParser    func(req *vlmgate.Request) vlmgate.Parser
}

var _ vlmgate.Engine = (*HTTPEndpoint)(nil)

func NewHTTPEndpoint() *HTTPEndpoint {
	return &HTTPEndpoint{}
}

func (e *HTTPEndpoint) WithClient(client *http.Client) *HTTPEndpoint {
	e.client = client
	return e
}

func (e *HTTPEndpoint) WithURLGetter(getURL func(req *vlmgate.Request) (string, error)) *HTTPEndpoint {
	e.getURL = getURL
	return e
}

func (e *HTTPEndpoint) WithRequestModifier(reqModifier func(req *vlmgate.Request, hreq *http.Request) *http.Request) *HTTPEndpoint {
	e.reqModifier = reqModifier
	return e
}

func (e *HTTPEndpoint) WithParser(nonstreamParser, streamParser func(req *vlmgate.Request) vlmgate.Parser) *HTTPEndpoint {
	e.nonstreamParser = nonstreamParser
	e.streamParser = streamParser
	return e
}

func (e *HTTPEndpoint) Process(req *vlmgate.Request) (*vlmgate.Response, error) {
	if e.getURL == nil {
		return nil, fmt.Errorf("getURL is not set")
	}
	url, err := e.getURL(req)
	if err != nil {
		return nil, fmt.Errorf("getURL error: %w", err)
	}
	client := e.client
	if client == nil {
		client = http.DefaultClient
	}

	// bytes instead of the reader so a failed attempt can be sent again elsewhere
	body, err := req.Body.Bytes()
	if err != nil {
		return nil, errutils.BadRequest(err, "Invalid request body: ")
	}
	httpReq, err := http.NewRequestWithContext(req.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request error: %w", err)
	}
	for k, v := range req.Header {
		if slices.Contains(skipRequestHeaders, http.CanonicalHeaderKey(k)) {
			continue
		}
		for _, vv := range v {
			httpReq.Header.Set(k, vv)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.reqModifier != nil {
		httpReq = e.reqModifier(req, httpReq)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &errutils.UpstreamHTTPError{
			Err: fmt.Errorf("do request error: %w", err),
		}
	}

	if resp.StatusCode != http.StatusOK {
		bodyBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &errutils.UpstreamHTTPError{
				Err:        fmt.Errorf("read response body error: %w", err),
				StatusCode: resp.StatusCode,
			}
		}
		return nil, &errutils.UpstreamRespError{
			StatusCode: resp.StatusCode,
			Header:     resp.Header,
			Body:       bodyBytes,
		}
	}

	log := logrus.WithContext(req.Context())
	ct := resp.Header.Get("Content-Type")
	log.Debugf("[http-endpoint] got response with status code %d, content-type %s", resp.StatusCode, ct)
	if !isEventStream(ct) {
		respBody := vlmgate.NewBodyFromReader(resp.Body, nil)
		if e.nonstreamParser != nil {
			respBody.SetParser(e.nonstreamParser(req))
		}
		return vlmgate.NewNonStreamResponse(resp.StatusCode, resp.Header, respBody), nil
	}

	ch := make(chan *vlmgate.StreamChunk)
	ctx, cancel := context.WithCancel(req.Context())
	go e.readEvents(ctx, req, resp.Body, ch)
	return vlmgate.NewStreamResponse(resp.StatusCode, resp.Header, vlmgate.NewStreamChan(ch, cancel)), nil
}

func isEventStream(ct string) bool {
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return strings.EqualFold(mt, "text/event-stream")
	}
	return strings.HasPrefix(strings.ToLower(ct), "text/event-stream")
}

// readEvents splits an SSE body into chunks following
// https://html.spec.whatwg.org/multipage/server-sent-events.html#event-stream-interpretation
func (e *HTTPEndpoint) readEvents(ctx context.Context, req *vlmgate.Request, body io.ReadCloser, ch chan<- *vlmgate.StreamChunk) {
	defer close(ch)
	defer body.Close()
	log := logrus.WithContext(ctx)

	newParser := func(data []byte) vlmgate.Parser {
		if e.streamParser == nil || vlmgate.IsDone(data) {
			return &vlmgate.RawParser{}
		}
		return e.streamParser(req)
	}

	metaBuffer := make(map[string]string)
	dataBuffer := make([]byte, 0, 512)
	hasData := false

	dispatch := func() bool {
		if !hasData {
			metaBuffer = make(map[string]string)
			return true
		}
		chunk := &vlmgate.StreamChunk{Body: vlmgate.NewBodyFromBytes(dataBuffer, newParser(dataBuffer))}
		if len(metaBuffer) > 0 {
			chunk.Metadata = metaBuffer
			metaBuffer = make(map[string]string)
		}
		dataBuffer = make([]byte, 0, 512)
		hasData = false
		select {
		case ch <- chunk:
			return true
		case <-ctx.Done():
			log.Infof("[http-endpoint] context error during stream response: %v", ctx.Err())
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELineSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			log.Infof("[http-endpoint] context error during stream response: %v", ctx.Err())
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			if !dispatch() {
				return
			}
			continue
		}

		colonIdx := slices.Index(line, ':')
		if colonIdx == 0 {
			// comment
			continue
		}
		key := string(line)
		var value []byte
		if colonIdx > 0 {
			key = string(line[:colonIdx])
			value = bytes.TrimPrefix(line[colonIdx+1:], []byte(" "))
		}

		switch key {
		case "data":
			if hasData {
				dataBuffer = append(dataBuffer, '\n')
			}
			dataBuffer = append(dataBuffer, value...)
			hasData = true
		case "event", "id":
			metaBuffer[key] = string(value)
		default:
			log.Debugf("[http-endpoint] ignore event line because of unknown key %s", key)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warnf("[http-endpoint] scan response body error: %v", err)
		return
	}
	dispatch()
}
