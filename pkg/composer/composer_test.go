package composer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/multimodal"
	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const testConfig = `
server:
  listen: ":9000"
  default_model: camera-vlm
  lb_retry_count: 2
images:
  max_bytes: 1048576
  fetch_timeout: 5s
backends:
  upstream:
    type: passthrough
    base_url: %s/v1
    api_key: secret
models:
  camera-vlm:
    profile: qwen
    owned_by: cameragenai
    aliases: [Qwen2.5-VL]
    profile_overrides:
      default_max_tokens: 128
    backends:
      default:dummy:
        type: dummy
        seed: 7
  relay:
    backends:
      default:up:
        use: upstream
        upstream_model: real-model
        extra_headers:
          X-Camera: front-door
    rules:
      - name: too-many-images
        match: Features.imageCount > 2
        deny:
          reason_text: too many frames
          http_status_code: 413
`

func newChatRequest(body string) *vlmgate.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req := vlmgate.NewRequest(r, vlmgate.APIFormatChatCompletions)
	req.Body.SetParser(&vlmgate.JSONParser[openai.ChatCompletionRequest]{})
	return req
}

func readAll(t *testing.T, resp *vlmgate.Response) string {
	t.Helper()
	require.NotNil(t, resp.Body)
	rd, err := resp.Body.Reader()
	require.NoError(t, err)
	b, err := io.ReadAll(rd)
	require.NoError(t, err)
	return string(b)
}

func newTestComposer(t *testing.T, upstreamURL string) *RuleComposerFileBased {
	t.Helper()
	conf, err := ParseConfig([]byte(fmt.Sprintf(testConfig, upstreamURL)))
	require.NoError(t, err)

	repo := NewModelRepoFileBased(nil, nil, nil)
	require.NoError(t, repo.UpdateFromConfig(conf))
	rc := NewRuleComposerFileBased(repo, 0, conf.Server.LBRetryCount)
	require.NoError(t, rc.UpdateFromConfig(conf))
	return rc
}

func TestParseConfig(t *testing.T) {
	conf, err := ParseConfig([]byte(fmt.Sprintf(testConfig, "http://127.0.0.1:1")))
	require.NoError(t, err)

	assert.Equal(t, ":9000", conf.Server.Listen)
	assert.True(t, conf.Server.GzipEnabled())
	assert.EqualValues(t, 1048576, conf.Images.MaxBytes)
	assert.Equal(t, "5s", conf.Images.FetchTimeout)

	m := conf.Models["camera-vlm"]
	require.NotNil(t, m)
	assert.Equal(t, "qwen", m.Profile)
	assert.Equal(t, []string{"Qwen2.5-VL"}, m.Aliases)
	require.NotNil(t, m.ProfileOverrides.DefaultMaxTokens)
	assert.Equal(t, 128, *m.ProfileOverrides.DefaultMaxTokens)
	require.NotNil(t, m.Backends["default:dummy"].Seed)
	assert.EqualValues(t, 7, *m.Backends["default:dummy"].Seed)

	relay := conf.Models["relay"]
	require.Len(t, relay.Rules, 1)
	assert.Equal(t, 413, relay.Rules[0].Deny.HTTPStatusCode)
	assert.Equal(t, "upstream", relay.Backends["default:up"].Use)
}

func TestParseConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"no models":       "server:\n  listen: :1\n",
		"unknown profile": "models:\n  m:\n    profile: llava\n    backends:\n      default:a: {type: dummy}\n",
		"no backends":     "models:\n  m:\n    profile: qwen\n",
		"unknown use":     "models:\n  m:\n    backends:\n      default:a: {use: nope}\n",
		"bad default":     "server:\n  default_model: x\nmodels:\n  m:\n    backends:\n      default:a: {type: dummy}\n",
		"bad duration":    "images:\n  fetch_timeout: soon\nmodels:\n  m:\n    backends:\n      default:a: {type: dummy}\n",
		"bad forward":     "models:\n  m:\n    backends:\n      default:a: {type: dummy}\n    rules:\n      - forward_weights: {b: 1}\n",
	}
	for name, yml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(yml))
			assert.Error(t, err)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Validate())

	repo := NewModelRepoFileBased(nil, nil, nil)
	require.NoError(t, repo.UpdateFromConfig(conf))
	rc := NewRuleComposerFileBased(repo, 0, 0)
	require.NoError(t, rc.UpdateFromConfig(conf))
	assert.Len(t, rc.Models(), 1)
}

func TestModelRepo_MergesGlobalBackend(t *testing.T) {
	conf, err := ParseConfig([]byte(fmt.Sprintf(testConfig, "http://upstream.local")))
	require.NoError(t, err)
	repo := NewModelRepoFileBased(nil, nil, nil)
	require.NoError(t, repo.UpdateFromConfig(conf))

	b := repo.modelBackendConfig["relay"]["default:up"]
	require.NotNil(t, b)
	assert.Equal(t, BackendTypePassthrough, b.Type)
	assert.Equal(t, "http://upstream.local/v1", b.BaseURL)
	assert.Equal(t, "secret", *b.APIKey)
	assert.Equal(t, "real-model", *b.UpstreamModel)
	assert.Equal(t, map[string]string{"X-Camera": "front-door"}, b.ExtraHeaders)
	assert.Nil(t, conf.GlobalBackends["upstream"].ExtraHeaders)

	assert.Equal(t, []string{"default:up"}, repo.GetBackendNamesByModel("relay"))
	assert.Nil(t, repo.GetBackendNamesByModel("missing"))

	_, err = repo.GetEngine("relay", "nope")
	assert.Error(t, err)
}

func TestModelRepo_UnknownBackendType(t *testing.T) {
	repo := NewModelRepoFileBased(nil, nil, nil)
	_, _, err := repo.BuildEngineByBackend("m", multimodal.Profile{}, &Backend{Type: "tgi"})
	assert.Error(t, err)
	_, _, err = repo.BuildEngineByBackend("m", multimodal.Profile{}, &Backend{Type: BackendTypePassthrough})
	assert.Error(t, err)
}

func TestRuleComposer_LookupAndModels(t *testing.T) {
	rc := newTestComposer(t, "http://127.0.0.1:1")

	name, ok := rc.Lookup("qwen2.5-vl")
	assert.True(t, ok)
	assert.Equal(t, "camera-vlm", name)

	_, ok = rc.Lookup("gpt-4o")
	assert.False(t, ok)

	models := rc.Models()
	require.Len(t, models, 2)
	assert.Equal(t, "camera-vlm", models[0].ID)
	assert.Equal(t, "cameragenai", models[0].OwnedBy)
	assert.Equal(t, "relay", models[1].ID)
	assert.Equal(t, DefaultOwnedBy, models[1].OwnedBy)

	m, ok := rc.Model("CAMERA-VLM")
	assert.True(t, ok)
	assert.Equal(t, "camera-vlm", m.ID)
	assert.Equal(t, "model", m.Object)
}

func TestRuleComposer_DummyByAlias(t *testing.T) {
	rc := newTestComposer(t, "http://127.0.0.1:1")
	resp, err := rc.Engine().Process(newChatRequest(`{"model":"Qwen2.5-VL","messages":[{"role":"user","content":"what do you see?"}]}`))
	require.NoError(t, err)

	body := readAll(t, resp)
	assert.Equal(t, "Qwen2.5-VL", gjson.Get(body, "model").String())
	content := gjson.Get(body, "choices.0.message.content").String()
	assert.True(t, gjson.Valid(content), content)
	assert.True(t, gjson.Get(content, "description").Exists())
}

func TestRuleComposer_UnknownModelUsesDefault(t *testing.T) {
	rc := newTestComposer(t, "http://127.0.0.1:1")
	resp, err := rc.Engine().Process(newChatRequest(`{"model":"someone-else","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "stop", gjson.Get(readAll(t, resp), "choices.0.finish_reason").String())
}

func TestRuleComposer_UnknownModelWithoutDefault(t *testing.T) {
	rc := newTestComposer(t, "http://127.0.0.1:1")
	rc.conf.Server.DefaultModel = ""

	_, err := rc.Engine().Process(newChatRequest(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	var he *errutils.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.StatusCode)
	assert.Equal(t, "Model 'gpt-4o' not found", he.Message)
}

func TestRuleComposer_PassthroughRelay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "front-door", r.Header.Get("X-Camera"))
		assert.Equal(t, "real-model", gjson.GetBytes(b, "model").String())
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"real-model","choices":[{"index":0,"message":{"role":"assistant","content":"a porch"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	rc := newTestComposer(t, srv.URL)
	resp, err := rc.Engine().Process(newChatRequest(`{"model":"relay","messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "a porch", gjson.Get(readAll(t, resp), "choices.0.message.content").String())
}

func TestRuleComposer_OpenAIBackendExtraHeaders(t *testing.T) {
	var gotCamera, gotSite, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCamera, gotSite, gotAuth = r.Header.Get("X-Camera"), r.Header.Get("X-Site"), r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"qwen","choices":[{"index":0,"message":{"role":"assistant","content":"a parked car"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`)
	}))
	defer srv.Close()

	conf, err := ParseConfig([]byte(fmt.Sprintf(`
models:
  gate:
    backends:
      default:vllm:
        type: openai
        base_url: %s/v1
        api_key: sk-gate
        extra_headers:
          X-Camera: driveway
          X-Site: north
`, srv.URL)))
	require.NoError(t, err)
	repo := NewModelRepoFileBased(nil, nil, nil)
	require.NoError(t, repo.UpdateFromConfig(conf))
	rc := NewRuleComposerFileBased(repo, 0, 0)
	require.NoError(t, rc.UpdateFromConfig(conf))

	resp, err := rc.Engine().Process(newChatRequest(`{"model":"gate","messages":[{"role":"user","content":"what is outside?"}]}`))
	require.NoError(t, err)
	assert.Equal(t, "a parked car", gjson.Get(readAll(t, resp), "choices.0.message.content").String())
	assert.Equal(t, "driveway", gotCamera)
	assert.Equal(t, "north", gotSite)
	assert.Equal(t, "Bearer sk-gate", gotAuth)
}

func TestRuleComposer_DenyRule(t *testing.T) {
	rc := newTestComposer(t, "http://127.0.0.1:1")
	img := `{"type":"image_url","image_url":{"url":"https://cam.local/a.jpg"}}`
	body := `{"model":"relay","messages":[{"role":"user","content":[` + img + `,` + img + `,` + img + `]}]}`

	_, err := rc.Engine().Process(newChatRequest(body))
	var he *errutils.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusRequestEntityTooLarge, he.StatusCode)
	assert.Equal(t, "too many frames", he.Message)
}

func TestRuleComposer_Ready(t *testing.T) {
	rc := newTestComposer(t, "http://127.0.0.1:1")
	assert.NoError(t, rc.Ready(context.Background()))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	conf, err := ParseConfig([]byte(fmt.Sprintf(`
models:
  local:
    profile: smolvlm
    backends:
      default:ollama:
        type: ollama
        base_url: %s
`, srv.URL)))
	require.NoError(t, err)
	repo := NewModelRepoFileBased(nil, nil, nil)
	require.NoError(t, repo.UpdateFromConfig(conf))
	rc = NewRuleComposerFileBased(repo, 0, 0)
	require.NoError(t, rc.UpdateFromConfig(conf))

	err = rc.Ready(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local/default:ollama")
}

func TestRuleComposer_DuplicateAlias(t *testing.T) {
	conf, err := ParseConfig([]byte(`
models:
  a:
    aliases: [shared]
    backends:
      default:d: {type: dummy}
  b:
    aliases: [Shared]
    backends:
      default:d: {type: dummy}
`))
	require.NoError(t, err)
	repo := NewModelRepoFileBased(nil, nil, nil)
	require.NoError(t, repo.UpdateFromConfig(conf))
	assert.Error(t, NewRuleComposerFileBased(repo, 0, 0).UpdateFromConfig(conf))
}

func TestExampleConfig(t *testing.T) {
	conf, err := ReadConfigFile("../../config.example.yaml")
	require.NoError(t, err)

	repo := NewModelRepoFileBased(nil, nil, nil)
	require.NoError(t, repo.UpdateFromConfig(conf))
	rc := NewRuleComposerFileBased(repo, time.Second, 2)
	require.NoError(t, rc.UpdateFromConfig(conf))

	name, ok := rc.Lookup("qwen2.5-vl-3b-instruct")
	assert.True(t, ok)
	assert.Equal(t, "qwen2.5-vl-3b", name)
	assert.Len(t, rc.Models(), 4)
	assert.Len(t, repo.Checkers(), 5)
}
