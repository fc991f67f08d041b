// Package tokenizer approximates token usage for responses whose runtime did not report it.
package tokenizer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/pkoukk/tiktoken-go"
	"github.com/sirupsen/logrus"
)

const DefaultEncoding = "cl100k_base"

type Counter interface {
	Count(text string) int
}

// Estimate counts about four bytes per token.
type Estimate struct{}

func (Estimate) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// Tiktoken counts with a BPE encoding loaded in the background, since loading
// may download the BPE file. Until the encoding is ready, or when it cannot be
// loaded, Count falls back to Estimate.
type Tiktoken struct {
	encoding string
	enc      atomic.Pointer[tiktoken.Tiktoken]
	once     sync.Once
	done     chan struct{}
	loadErr  error
}

func NewTiktoken(encoding string) *Tiktoken {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Tiktoken{encoding: encoding, done: make(chan struct{})}
}

// Warm starts loading the encoding if it has not started yet.
// The returned channel is closed once loading has finished, successfully or not.
func (t *Tiktoken) Warm() <-chan struct{} {
	t.once.Do(func() {
		go t.load()
	})
	return t.done
}

func (t *Tiktoken) load() {
	defer close(t.done)
	enc, err := tiktoken.GetEncoding(t.encoding)
	if err != nil {
		t.loadErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
		logrus.Warnf("[tokenizer] %v, falling back to estimation", t.loadErr)
		return
	}
	t.enc.Store(enc)
	logrus.Debugf("[tokenizer] encoding %s ready", t.encoding)
}

// Err reports why the encoding could not be loaded. It is nil while loading is in progress.
func (t *Tiktoken) Err() error {
	select {
	case <-t.done:
		return t.loadErr
	default:
		return nil
	}
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.Warm()
	enc := t.enc.Load()
	if enc == nil {
		return Estimate{}.Count(text)
	}
	return len(enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// PromptTokens sums the counts of every message's content rendered as text.
func PromptTokens(c Counter, req *openai.ChatCompletionRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += c.Count(m.Content.String())
	}
	return total
}
