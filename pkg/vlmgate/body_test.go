package vlmgate

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	Camera string `json:"camera"`
	Count  int    `json:"count"`
}

func TestUnifiedBody_ParseThenBytes(t *testing.T) {
	b := NewBodyFromReader(io.NopCloser(strings.NewReader(`{"camera":"porch","count":2}`)), &JSONParser[frame]{})

	v, err := b.Parsed()
	require.NoError(t, err)
	assert.Equal(t, &frame{Camera: "porch", Count: 2}, v)

	raw, err := b.Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, `{"camera":"porch","count":2}`, string(raw))
}

func TestUnifiedBody_SetParsedReserializes(t *testing.T) {
	b := NewBodyFromBytes([]byte(`{"camera":"porch"}`), &JSONParser[frame]{})
	b.SetParsed(&frame{Camera: "garage", Count: 1})

	raw, err := b.Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, `{"camera":"garage","count":1}`, string(raw))

	rd, err := b.Reader()
	require.NoError(t, err)
	again, err := io.ReadAll(rd)
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestUnifiedBody_SetBytesDropsParsed(t *testing.T) {
	b := NewBodyFromBytes([]byte(`{"count":1}`), &JSONParser[frame]{})
	_, err := b.Parsed()
	require.NoError(t, err)

	b.SetBytes([]byte(`{"count":5}`))
	v, err := b.Parsed()
	require.NoError(t, err)
	assert.Equal(t, 5, v.(*frame).Count)
}

func TestUnifiedBody_ParseErrorIsCached(t *testing.T) {
	b := NewBodyFromBytes([]byte(`{`), &JSONParser[frame]{})
	_, err1 := b.Parsed()
	_, err2 := b.Parsed()
	require.Error(t, err1)
	assert.Equal(t, err1, err2)

	_, err := NewBodyFromBytes(nil, nil).Parsed()
	assert.Error(t, err)
}

func TestUnifiedBody_TooLarge(t *testing.T) {
	prev := MaxBodyBytes
	MaxBodyBytes = 8
	defer func() { MaxBodyBytes = prev }()

	b := NewBodyFromReader(io.NopCloser(strings.NewReader(`{"camera":"front-door"}`)), &JSONParser[frame]{})
	_, err := b.Bytes()
	assert.True(t, errors.Is(err, ErrBodyTooLarge))
}

func TestUnifiedBody_Empty(t *testing.T) {
	_, err := (&UnifiedBody{}).Bytes()
	assert.Error(t, err)
}

func TestIsDone(t *testing.T) {
	raw, err := DoneChunk().Body.Bytes()
	require.NoError(t, err)
	assert.True(t, IsDone(raw))
	assert.True(t, IsDone([]byte(" [DONE]\n")))
	assert.False(t, IsDone([]byte(`{"done":true}`)))
}
