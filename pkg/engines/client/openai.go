package client

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
)

// APIKeyEnv is read when a backend has no api_key configured.
const APIKeyEnv = "VLMGATE_API_KEY"

const DefaultChatCompletionsPath = "/chat/completions"

// OpenAIChatCompletionsEndpoint forwards chat completions unchanged to an
// OpenAI-compatible server.
type OpenAIChatCompletionsEndpoint struct {
	*HTTPEndpoint
}

var _ vlmgate.Engine = (*OpenAIChatCompletionsEndpoint)(nil)

func NewOpenAIChatCompletionsEndpoint(baseAddr, endpoint, apiKey string) *OpenAIChatCompletionsEndpoint {
	if apiKey == "" {
		apiKey = os.Getenv(APIKeyEnv)
	}
	if endpoint == "" {
		endpoint = DefaultChatCompletionsPath
	}
	url := strings.TrimSuffix(baseAddr, "/") + endpoint
	httpEndpoint := NewHTTPEndpoint().
		WithURLGetter(func(req *vlmgate.Request) (string, error) {
			if req.Format != vlmgate.APIFormatChatCompletions && req.Format != vlmgate.APIFormatUnknown {
				return "", fmt.Errorf("invalid format: %s", req.Format)
			}
			return url, nil
		}).
		WithRequestModifier(func(req *vlmgate.Request, httpReq *http.Request) *http.Request {
			if apiKey != "" {
				httpReq.Header.Set("Authorization", "Bearer "+apiKey)
			}
			return httpReq
		}).
		WithParser(
			func(req *vlmgate.Request) vlmgate.Parser { return &vlmgate.JSONParser[openai.ChatCompletion]{} },
			func(req *vlmgate.Request) vlmgate.Parser { return &vlmgate.JSONParser[openai.ChatCompletionChunk]{} },
		)
	return &OpenAIChatCompletionsEndpoint{
		HTTPEndpoint: httpEndpoint,
	}
}

func (e *OpenAIChatCompletionsEndpoint) WithClient(client *http.Client) *OpenAIChatCompletionsEndpoint {
	e.HTTPEndpoint.WithClient(client)
	return e
}
