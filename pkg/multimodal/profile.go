package multimodal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/cameragenai/vlmgate/pkg/errutils"
	"github.com/cameragenai/vlmgate/pkg/imageio"
	"github.com/cameragenai/vlmgate/pkg/types/openai"
	"github.com/sirupsen/logrus"
)

const (
	ProfileMiniCPM = "minicpm"
	ProfileQwen    = "qwen"
	ProfileSmolVLM = "smolvlm"
	ProfileGeneric = "generic"
)

// Profile describes how one model family consumes chat messages.
type Profile struct {
	Name               string
	DefaultTemperature float64
	DefaultMaxTokens   int
	MaxImageWidth      int  // 0 keeps the original size
	MaxImages          int  // 0 means unlimited
	SingleImage        bool // only the first image of the conversation reaches the model
	AllowStreaming     bool
	SampleOnStream     bool // streaming always samples

	URLSources        []imageio.Source // accepted kinds of image_url.url
	ImageDataURLsOnly bool             // data URLs other than data:image are skipped
	AcceptImageParts  bool             // {"type":"image","image":"<base64>"}
	AcceptBase64Field bool             // {"image_url":{"base64":"..."}}
}

var presets = map[string]Profile{
	ProfileMiniCPM: {
		Name:               ProfileMiniCPM,
		DefaultTemperature: 0.7,
		SingleImage:        true,
		AllowStreaming:     true,
		SampleOnStream:     true,
		URLSources:         []imageio.Source{imageio.SourceDataURL},
		ImageDataURLsOnly:  true,
	},
	ProfileQwen: {
		Name:               ProfileQwen,
		DefaultTemperature: 0.7,
		DefaultMaxTokens:   256,
		MaxImageWidth:      800,
		URLSources:         []imageio.Source{imageio.SourceDataURL, imageio.SourceRemote, imageio.SourceLocal},
		AcceptImageParts:   true,
	},
	ProfileSmolVLM: {
		Name:              ProfileSmolVLM,
		DefaultMaxTokens:  64,
		AllowStreaming:    true,
		URLSources:        []imageio.Source{imageio.SourceDataURL, imageio.SourceRemote, imageio.SourceLocal},
		AcceptBase64Field: true,
	},
	ProfileGeneric: {
		Name:               ProfileGeneric,
		DefaultTemperature: 0.7,
		MaxImages:          10,
		AllowStreaming:     true,
		URLSources:         []imageio.Source{imageio.SourceDataURL, imageio.SourceRemote, imageio.SourceLocal},
		AcceptImageParts:   true,
		AcceptBase64Field:  true,
	},
}

// LookupProfile returns the preset with the given name. An empty name selects the generic profile.
func LookupProfile(name string) (Profile, error) {
	if name == "" {
		name = ProfileGeneric
	}
	p, ok := presets[strings.ToLower(name)]
	if !ok {
		return Profile{}, fmt.Errorf("unknown profile %q", name)
	}
	p.URLSources = slices.Clone(p.URLSources)
	return p, nil
}

// ProfileOverrides patches a preset from configuration.
type ProfileOverrides struct {
	DefaultTemperature *float64 `json:"default_temperature" yaml:"default_temperature"`
	DefaultMaxTokens   *int     `json:"default_max_tokens" yaml:"default_max_tokens"`
	MaxImageWidth      *int     `json:"max_image_width" yaml:"max_image_width"`
	MaxImages          *int     `json:"max_images" yaml:"max_images"`
	AllowStreaming     *bool    `json:"allow_streaming" yaml:"allow_streaming"`
}

func (p Profile) WithOverrides(o *ProfileOverrides) Profile {
	if o == nil {
		return p
	}
	if o.DefaultTemperature != nil {
		p.DefaultTemperature = *o.DefaultTemperature
	}
	if o.DefaultMaxTokens != nil {
		p.DefaultMaxTokens = *o.DefaultMaxTokens
	}
	if o.MaxImageWidth != nil {
		p.MaxImageWidth = *o.MaxImageWidth
	}
	if o.MaxImages != nil {
		p.MaxImages = *o.MaxImages
	}
	if o.AllowStreaming != nil {
		p.AllowStreaming = *o.AllowStreaming
	}
	return p
}

// imageSlot remembers where a loaded image goes back into the prompt.
type imageSlot struct {
	msg, part int
}

// Translate converts an OpenAI chat request into a model prompt, ingesting every accepted image.
func (p Profile) Translate(ctx context.Context, req *openai.ChatCompletionRequest, loader *imageio.Loader) (*Prompt, error) {
	log := logrus.WithContext(ctx)
	if len(req.Messages) == 0 {
		return nil, errutils.NewHandlerError(errors.New("empty messages"), http.StatusBadRequest, "messages must not be empty")
	}
	if req.Stream && !p.AllowStreaming {
		return nil, errutils.NewHandlerError(
			fmt.Errorf("profile %s does not stream", p.Name),
			http.StatusBadRequest, "Streaming is not supported yet")
	}
	if p.MaxImages > 0 {
		if n := req.ImageCount(); n > p.MaxImages {
			return nil, errutils.NewHandlerError(
				fmt.Errorf("request carries %d images", n),
				http.StatusBadRequest, fmt.Sprintf("Maximum %d images allowed per request", p.MaxImages))
		}
	}

	prompt := &Prompt{
		Model:    req.Model,
		Messages: make([]Message, 0, len(req.Messages)),
	}
	var (
		refs  []imageio.Ref
		slots []imageSlot
	)
	for i, msg := range req.Messages {
		role := msg.Role
		if role == "" {
			role = "user"
		}
		m := Message{Role: role}
		if msg.Content.IsString() {
			m.Parts = append(m.Parts, TextPart(*msg.Content.Text))
			prompt.Messages = append(prompt.Messages, m)
			continue
		}
		for _, part := range msg.Content.Parts {
			ref, ok := p.imageRef(part)
			switch {
			case part.Type == openai.PartTypeText:
				m.Parts = append(m.Parts, TextPart(part.Text))
			case ok:
				slots = append(slots, imageSlot{msg: i, part: len(m.Parts)})
				refs = append(refs, ref)
				m.Parts = append(m.Parts, Part{Kind: PartImage})
			default:
				log.Debugf("[multimodal] profile %s skips %q part of message %d", p.Name, part.Type, i)
			}
		}
		prompt.Messages = append(prompt.Messages, m)
	}

	if len(refs) > 0 {
		images, err := loader.LoadAll(ctx, refs)
		if err != nil {
			return nil, imageError(err)
		}
		for k, img := range images {
			img = img.RGB().FitWidth(p.MaxImageWidth)
			prompt.Messages[slots[k].msg].Parts[slots[k].part].Image = img
		}
		log.Debugf("[multimodal] profile %s ingested %d images", p.Name, len(images))
	}
	if p.SingleImage {
		keepMainImage(prompt)
	}
	for i := range prompt.Messages {
		prompt.Messages[i].Parts = slices.DeleteFunc(prompt.Messages[i].Parts, func(part Part) bool {
			return part.Kind == PartImage && part.Image == nil
		})
	}

	prompt.Options = p.options(req)
	return prompt, nil
}

func (p Profile) imageRef(part openai.ContentPart) (imageio.Ref, bool) {
	switch part.Type {
	case openai.PartTypeImage:
		if p.AcceptImageParts && part.Image != "" {
			return imageio.Ref{Value: part.Image, Base64: true}, true
		}
	case openai.PartTypeImageURL:
		if part.ImageURL == nil {
			return imageio.Ref{}, false
		}
		if u := part.ImageURL.URL; u != "" {
			src := imageio.Classify(u)
			if !slices.Contains(p.URLSources, src) {
				return imageio.Ref{}, false
			}
			if src == imageio.SourceDataURL && p.ImageDataURLsOnly && !strings.HasPrefix(u, "data:image") {
				return imageio.Ref{}, false
			}
			return imageio.Ref{Value: u}, true
		}
		if p.AcceptBase64Field && part.ImageURL.Base64 != "" {
			return imageio.Ref{Value: part.ImageURL.Base64, Base64: true}, true
		}
	}
	return imageio.Ref{}, false
}

// keepMainImage moves the first image of the conversation to the front of its
// message and drops every other image.
func keepMainImage(prompt *Prompt) {
	found := false
	for i := range prompt.Messages {
		m := &prompt.Messages[i]
		var main *Part
		kept := make([]Part, 0, len(m.Parts))
		for _, part := range m.Parts {
			if part.Kind != PartImage {
				kept = append(kept, part)
				continue
			}
			if !found && part.Image != nil {
				found = true
				main = &part
			}
		}
		if main != nil {
			kept = append([]Part{*main}, kept...)
		}
		m.Parts = kept
	}
}

func (p Profile) options(req *openai.ChatCompletionRequest) Options {
	opts := Options{
		Temperature: p.DefaultTemperature,
		MaxTokens:   p.DefaultMaxTokens,
		TopP:        req.TopP,
		Stream:      req.Stream,
		Stop:        req.Stop,
	}
	if req.Temperature != nil {
		opts.Temperature = *req.Temperature
	}
	if limit, ok := req.MaxTokenLimit(); ok && limit > 0 {
		opts.MaxTokens = int(limit)
	}
	opts.Sample = opts.Temperature > 0 || (opts.Stream && p.SampleOnStream)
	return opts
}

func imageError(err error) error {
	le := &imageio.LoadError{}
	if errors.As(err, &le) && le.Source == imageio.SourceRemote {
		return errutils.BadRequest(err, "Error processing image URL: ")
	}
	return errutils.BadRequest(err, "Invalid image data: ")
}
