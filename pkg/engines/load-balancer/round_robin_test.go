package loadbalancer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/vlmgate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRequest() *vlmgate.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{}`))
	return vlmgate.NewRequest(r, vlmgate.APIFormatChatCompletions)
}

func counting(counts map[string]int, name string, err error) vlmgate.Engine {
	return vlmgate.EngineFunc(func(req *vlmgate.Request) (*vlmgate.Response, error) {
		counts[name]++
		if err != nil {
			return nil, err
		}
		return vlmgate.NewNonStreamResponse(http.StatusOK, nil, nil), nil
	})
}

func TestNewWeightedRoundRobin_Validation(t *testing.T) {
	_, err := NewWeightedRoundRobin(nil, time.Second, 1)
	assert.Error(t, err)

	_, err = NewWeightedRoundRobin([]BackendItem{{Name: "a", Weight: -1}}, time.Second, 1)
	assert.Error(t, err)
}

func TestWeightedRoundRobin_Distribution(t *testing.T) {
	counts := map[string]int{}
	lb, err := NewWeightedRoundRobin([]BackendItem{
		{Name: "gpu-a", Weight: 3, Engine: counting(counts, "gpu-a", nil)},
		{Name: "gpu-b", Weight: 1, Engine: counting(counts, "gpu-b", nil)},
	}, time.Second, 1)
	require.NoError(t, err)

	for i := 0; i < 400; i++ {
		_, err := lb.Process(newRequest())
		require.NoError(t, err)
	}
	assert.InDelta(t, 300, counts["gpu-a"], 5)
	assert.InDelta(t, 100, counts["gpu-b"], 5)
}

func TestWeightedRoundRobin_ZeroWeightsShareEqually(t *testing.T) {
	counts := map[string]int{}
	lb, err := NewWeightedRoundRobin([]BackendItem{
		{Name: "a", Engine: counting(counts, "a", nil)},
		{Name: "b", Engine: counting(counts, "b", nil)},
	}, time.Second, 1)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, _ = lb.Process(newRequest())
	}
	assert.InDelta(t, 50, counts["a"], 3)
}

func TestWeightedRoundRobin_FailsOverOnServerErrors(t *testing.T) {
	counts := map[string]int{}
	lb, err := NewWeightedRoundRobin([]BackendItem{
		{Name: "down", Weight: 1, Engine: counting(counts, "down", errors.New("connection refused"))},
		{Name: "up", Weight: 1, Engine: counting(counts, "up", nil)},
	}, time.Minute, 2)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := lb.Process(newRequest())
		require.NoError(t, err)
	}
	assert.Equal(t, 10, counts["up"])
}

func TestWeightedRoundRobin_SingleAttemptByDefault(t *testing.T) {
	counts := map[string]int{}
	lb, err := NewWeightedRoundRobin([]BackendItem{
		{Name: "down", Weight: 1, Engine: counting(counts, "down", errors.New("boom"))},
	}, time.Minute, 0)
	require.NoError(t, err)
	_, err = lb.Process(newRequest())
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, counts["down"])
}

func TestWeightedRoundRobin_ClientErrorsAreFinal(t *testing.T) {
	counts := map[string]int{}
	bad := errutils.NewHandlerError(errors.New("bad image"), http.StatusBadRequest, "Invalid image data: bad image")
	lb, err := NewWeightedRoundRobin([]BackendItem{
		{Name: "a", Weight: 1, Engine: counting(counts, "a", bad)},
		{Name: "b", Weight: 1, Engine: counting(counts, "b", bad)},
	}, time.Minute, 5)
	require.NoError(t, err)
	_, err = lb.Process(newRequest())
	assert.Same(t, bad, err)
	assert.Equal(t, 1, counts["a"]+counts["b"])
}

func TestWeightedRoundRobin_CancelledContextStops(t *testing.T) {
	counts := map[string]int{}
	lb, err := NewWeightedRoundRobin([]BackendItem{
		{Name: "a", Weight: 1, Engine: counting(counts, "a", errors.New("boom"))},
	}, time.Minute, 5)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = lb.Process(newRequest().WithContext(ctx))
	assert.Error(t, err)
	assert.Equal(t, 1, counts["a"])
}
