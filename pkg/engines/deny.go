package engines

import (
	"errors"
	"net/http"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
)

var ErrDenied = errors.New("request denied by rule")

// DenyEngine rejects every request with an OpenAI error envelope.
type DenyEngine struct {
	ReasonText     string `json:"reason_text" yaml:"reason_text"`
	HTTPStatusCode int    `json:"http_status_code" yaml:"http_status_code"`
}

var _ vlmgate.Engine = (*DenyEngine)(nil)

func (e *DenyEngine) Process(req *vlmgate.Request) (*vlmgate.Response, error) {
	status := e.HTTPStatusCode
	if status == 0 {
		status = http.StatusForbidden
	}
	msg := e.ReasonText
	if msg == "" {
		msg = http.StatusText(status)
	}
	return nil, errutils.NewHandlerError(ErrDenied, status, msg)
}
