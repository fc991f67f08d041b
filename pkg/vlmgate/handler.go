package vlmgate

import (
	"errors"
	"io"
	"net/http"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/sirupsen/logrus"
)

// ChatCompletionsHandler handles OpenAI /v1/chat/completions requests
func ChatCompletionsHandler(engine Engine) http.HandlerFunc {
	return errutils.ErrorHandlingMiddleware(func(w http.ResponseWriter, r *http.Request) {
		u := NewRequest(r, APIFormatChatCompletions)
		u.Body.SetParser(&JSONParser[openai.ChatCompletionRequest]{})
		w.Header().Set(RequestIDHeader, u.ID)
		resp, err := engine.Process(u)
		if err != nil {
			logrus.WithContext(r.Context()).WithField("request_id", u.ID).Errorf("Process error: %v", err)
			httpErr := &errutils.UpstreamRespError{}
			if errors.As(err, &httpErr) {
				copyHeader(w.Header(), httpErr.Header)
				w.WriteHeader(httpErr.StatusCode)
				w.Write(httpErr.Body)
				return
			}
			*r = *errutils.WithHandlerError(r, errutils.AsHandlerError(err))
			return
		}

		copyHeader(w.Header(), resp.Header)
		status := resp.StatusCode
		if status == 0 {
			status = http.StatusOK
		}
		if resp.Stream != nil {
			defer resp.Stream.Close()
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(status)
			flusher, _ := w.(http.Flusher)
			for chunk := range resp.Stream.Chan() {
				b, err := chunk.Body.Bytes()
				if err != nil {
					// headers are already sent, the client only sees a truncated stream
					logrus.WithContext(r.Context()).Errorf("Read chunk error: %v", err)
					return
				}
				if ev, ok := chunk.Metadata["event"]; ok {
					w.Write([]byte("event: " + ev + "\n"))
				}
				w.Write([]byte("data: "))
				w.Write(b)
				w.Write([]byte("\n\n"))
				if flusher != nil {
					flusher.Flush()
				}
				logrus.WithContext(r.Context()).Debugf("Write chunk: len=%d", len(b))
			}
			return
		}

		if resp.Body == nil {
			w.WriteHeader(status)
			return
		}
		defer resp.Body.Close()
		rd, err := resp.Body.Reader()
		if err != nil {
			logrus.WithContext(r.Context()).Errorf("Read body error: %v", err)
			*r = *errutils.WithError(r, err, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(status)
		io.Copy(w, rd)
	})
}

func copyHeader(dst, src http.Header) {
	for k, v := range src {
		if k == "Content-Length" || len(v) == 0 {
			continue
		}
		dst.Set(k, v[0])
	}
}
