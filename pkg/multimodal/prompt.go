// Package multimodal maps OpenAI chat messages onto the model-side message
// representation: ordered roles with text and decoded image parts.
package multimodal

import (
	"strings"

	"github.com/cameragenai/vlmgate/pkg/imageio"
)

type PartKind int

const (
	PartText PartKind = iota
	PartImage
)

type Part struct {
	Kind  PartKind
	Text  string
	Image *imageio.Image
}

func TextPart(s string) Part {
	return Part{Kind: PartText, Text: s}
}

func ImagePart(img *imageio.Image) Part {
	return Part{Kind: PartImage, Image: img}
}

type Message struct {
	Role  string
	Parts []Part
}

// Text joins the text parts of the message with sep.
func (m *Message) Text(sep string) string {
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Kind == PartText {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, sep)
}

func (m *Message) Images() []*imageio.Image {
	var images []*imageio.Image
	for _, p := range m.Parts {
		if p.Kind == PartImage && p.Image != nil {
			images = append(images, p.Image)
		}
	}
	return images
}

// Options are the generation parameters passed to the model runtime.
type Options struct {
	Temperature float64
	TopP        *float64
	MaxTokens   int // 0 means the runtime default
	Sample      bool
	Stream      bool
	Stop        []string
}

type Prompt struct {
	Model    string // model name as requested by the client
	Messages []Message
	Options  Options
}

func (p *Prompt) ImageCount() int {
	n := 0
	for i := range p.Messages {
		n += len(p.Messages[i].Images())
	}
	return n
}
