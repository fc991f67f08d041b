package generator

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cameragenai/vlmgate/pkg/multimodal"
)

// Analysis is the payload produced by the dummy generator.
type Analysis struct {
	Description string `json:"description"`
	Fire        bool   `json:"fire"`
	Gun         bool   `json:"gun"`
	Theft       bool   `json:"theft"`
	Medical     bool   `json:"medical"`
}

const dummyDescription = "This is a randomly generated description of the image content."

// Dummy answers every prompt with a random security analysis. It needs no model runtime.
type Dummy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewDummy() *Dummy {
	return NewSeededDummy(uint64(time.Now().UnixNano()))
}

func NewSeededDummy(seed uint64) *Dummy {
	return &Dummy{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (d *Dummy) analysis() Analysis {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Analysis{
		Description: dummyDescription,
		Fire:        d.rnd.IntN(2) == 1,
		Gun:         d.rnd.IntN(2) == 1,
		Theft:       d.rnd.IntN(2) == 1,
		Medical:     d.rnd.IntN(2) == 1,
	}
}

func (d *Dummy) Generate(ctx context.Context, prompt *multimodal.Prompt, fn FragmentFunc) (*Result, error) {
	b, err := json.Marshal(d.analysis())
	if err != nil {
		return nil, err
	}
	text := string(b)
	if fn != nil {
		for _, word := range strings.SplitAfter(text, " ") {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if err := fn(word); err != nil {
				return nil, err
			}
		}
	}
	return &Result{Text: text, FinishReason: "stop"}, nil
}

func (d *Dummy) Ping(ctx context.Context) error {
	return nil
}
