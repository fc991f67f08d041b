package engines

import (
	"net/http"

	"github.com/cameragenai/vlmgate/pkg/vlmgate"
)

// AddHeaderEngine sets fixed headers on the request before handing it on,
// e.g. the extra headers a passthrough backend expects.
type AddHeaderEngine struct {
	Header map[string]string
	Next   vlmgate.Engine
}

var _ vlmgate.Engine = (*AddHeaderEngine)(nil)

func NewAddHeaderEngine(next vlmgate.Engine, header map[string]string) *AddHeaderEngine {
	return &AddHeaderEngine{Header: header, Next: next}
}

func (e *AddHeaderEngine) Process(req *vlmgate.Request) (*vlmgate.Response, error) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, v := range e.Header {
		req.Header.Set(k, v)
	}
	return e.Next.Process(req)
}
