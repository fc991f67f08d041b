package ruleengine

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest(body string) *vlmgate.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	req := vlmgate.NewRequest(r, vlmgate.APIFormatChatCompletions)
	req.Body.SetParser(&vlmgate.JSONParser[openai.ChatCompletionRequest]{})
	return req
}

func named(name string, calls *[]string) vlmgate.Engine {
	return vlmgate.EngineFunc(func(req *vlmgate.Request) (*vlmgate.Response, error) {
		*calls = append(*calls, name)
		return vlmgate.NewNonStreamResponse(http.StatusOK, nil, nil), nil
	})
}

func failing(err error) vlmgate.Engine {
	return vlmgate.EngineFunc(func(req *vlmgate.Request) (*vlmgate.Response, error) {
		return nil, err
	})
}

const fourImages = `{"model":"qwen","messages":[{"role":"user","content":[` +
	`{"type":"text","text":"compare these frames"},` +
	`{"type":"image_url","image_url":"https://cam.local/1.jpg"},` +
	`{"type":"image_url","image_url":"https://cam.local/2.jpg"},` +
	`{"type":"image_url","image_url":"https://cam.local/3.jpg"},` +
	`{"type":"image","image":"aGVsbG8="}]}]}`

func TestVisionFeatureExtractor(t *testing.T) {
	fe := &VisionFeatureExtractor{PrefixHashLen: []int{7}, SuffixHashLen: []int{6}}
	f, err := fe.Features(newRequest(fourImages))
	require.NoError(t, err)

	assert.Equal(t, 4, f["imageCount"])
	assert.Equal(t, 1, f["messageCount"])
	assert.Equal(t, len("compare these frames"), f["promptTextLen"])
	assert.Equal(t, false, f["stream"])
	assert.Equal(t, 0, f["maxTokens"])
	assert.Equal(t, textHash("qwen", "compare"), f["prefix7"])
	assert.Equal(t, textHash("qwen", "frames"), f["suffix6"])
	assert.Len(t, f["prefix7"], 8)
}

func TestExprMatcher(t *testing.T) {
	fe := &VisionFeatureExtractor{}
	many, err := NewExprMatcher("Features.imageCount > 2", fe)
	require.NoError(t, err)
	assert.True(t, many.Match(newRequest(fourImages)))
	assert.False(t, many.Match(newRequest(`{"model":"qwen","messages":[{"role":"user","content":"hi"}]}`)))

	byModel, err := NewExprMatcher(`RawReq.model == "qwen" && !Features.stream`, fe)
	require.NoError(t, err)
	assert.True(t, byModel.Match(newRequest(fourImages)))

	_, err = NewExprMatcher("Features.imageCount >", fe)
	assert.Error(t, err)

	notBool, err := NewExprMatcher(`"yes"`, nil)
	require.NoError(t, err)
	assert.False(t, notBool.Match(newRequest(`{}`)))
}

func TestRuleEngine_FirstMatchWins(t *testing.T) {
	var calls []string
	many, err := NewExprMatcher("Features.imageCount > 2", &VisionFeatureExtractor{})
	require.NoError(t, err)
	e := NewRuleEngine(RuleChain{
		{Name: "never", Matcher: AlwaysFalseMatcher, Engine: named("never", &calls)},
		{Name: "multi-frame", Matcher: many, Engine: named("big", &calls)},
		{Name: "fallback", Matcher: AlwaysTrueMatcher, Engine: named("small", &calls)},
	})

	_, err = e.Process(newRequest(fourImages))
	require.NoError(t, err)
	_, err = e.Process(newRequest(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"big", "small"}, calls)
}

func TestRuleEngine_Continue(t *testing.T) {
	var calls []string
	e := NewRuleEngine(RuleChain{
		{Name: "flaky", Matcher: AlwaysTrueMatcher, Engine: failing(ErrorWithAction(errors.New("busy"), RuleEngineActionContinue))},
		{Name: "fallback", Matcher: AlwaysTrueMatcher, Engine: named("fallback", &calls)},
	})
	_, err := e.Process(newRequest(`{}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"fallback"}, calls)
}

func TestRuleEngine_Errors(t *testing.T) {
	bad := errutils.NewHandlerError(errors.New("bad image"), http.StatusBadRequest, "Invalid image data: bad image")
	e := NewRuleEngine(RuleChain{{Name: "r", Matcher: AlwaysTrueMatcher, Engine: failing(bad)}})
	_, err := e.Process(newRequest(`{}`))
	assert.Same(t, bad, err)

	e = NewRuleEngine(RuleChain{{Name: "r", Matcher: AlwaysFalseMatcher, Engine: failing(bad)}})
	_, err = e.Process(newRequest(`{}`))
	var he *errutils.HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)
	assert.ErrorIs(t, err, ErrNoRuleMatched)

	_, err = (&RuleEngine{}).Process(newRequest(`{}`))
	assert.ErrorIs(t, err, ErrNoRuleChain)
}
