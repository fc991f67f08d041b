package vlmgate

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxBodyBytes caps how much of a request or upstream response body is buffered.
// Chat requests carry base64 images inline, so the cap is generous.
var MaxBodyBytes int64 = 64 << 20

var ErrBodyTooLarge = errors.New("body exceeds size limit")

// Parser parses and serializes body of requests or responses.
type Parser interface {
	Parse(data []byte) (any, error)
	Serialize(data any) ([]byte, error)
}

// UnifiedBody is a request or response body that is read, parsed and
// re-serialized lazily. The parsed value is authoritative once it has been
// replaced with SetParsed.
type UnifiedBody struct {
	reader io.ReadCloser
	raw    []byte

	parser   Parser
	parsed   any
	parseErr error
	dirty    bool // parsed was replaced, raw is stale
}

func NewBodyFromReader(reader io.ReadCloser, parser Parser) *UnifiedBody {
	return &UnifiedBody{reader: reader, parser: parser}
}

func NewBodyFromBytes(raw []byte, parser Parser) *UnifiedBody {
	return &UnifiedBody{raw: raw, parser: parser}
}

// NewBodyFromParsed creates a body whose bytes are produced by serializing v on first use.
func NewBodyFromParsed(v any, parser Parser) *UnifiedBody {
	return &UnifiedBody{parsed: v, parser: parser, dirty: true}
}

// drain buffers the pending reader, if any.
func (b *UnifiedBody) drain() error {
	if b.reader == nil {
		return nil
	}
	defer func() {
		b.reader.Close()
		b.reader = nil
	}()
	raw, err := io.ReadAll(io.LimitReader(b.reader, MaxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body error: %w", err)
	}
	if int64(len(raw)) > MaxBodyBytes {
		return fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, MaxBodyBytes)
	}
	b.raw = raw
	return nil
}

// Parsed parses the body on first call and caches the value or error.
func (b *UnifiedBody) Parsed() (any, error) {
	if b.parsed != nil || b.parseErr != nil {
		return b.parsed, b.parseErr
	}
	if b.parser == nil {
		return nil, fmt.Errorf("parser must be set before parsing")
	}
	if err := b.drain(); err != nil {
		return nil, err
	}
	b.parsed, b.parseErr = b.parser.Parse(b.raw)
	return b.parsed, b.parseErr
}

// Bytes returns the body bytes, serializing the parsed value again when it was replaced.
func (b *UnifiedBody) Bytes() ([]byte, error) {
	if b.dirty {
		if b.parsed == nil {
			return nil, fmt.Errorf("parsed body must not be nil")
		}
		if b.parser == nil {
			return nil, fmt.Errorf("parser must be set before serializing")
		}
		raw, err := b.parser.Serialize(b.parsed)
		if err != nil {
			return nil, fmt.Errorf("serialize body error: %w", err)
		}
		b.raw = raw
		b.dirty = false
		return b.raw, nil
	}
	if b.raw == nil && b.reader == nil {
		return nil, fmt.Errorf("body has no content")
	}
	if err := b.drain(); err != nil {
		return nil, err
	}
	return b.raw, nil
}

// SetBytes replaces the content and drops any parsed value.
func (b *UnifiedBody) SetBytes(raw []byte) {
	b.discardReader()
	b.raw = raw
	b.parsed = nil
	b.parseErr = nil
	b.dirty = false
}

// Reader streams the body. An untouched upstream body is handed over without buffering.
func (b *UnifiedBody) Reader() (io.ReadCloser, error) {
	if b.reader != nil && !b.dirty {
		return b.reader, nil
	}
	raw, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("get bytes error: %w", err)
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

// SetParser swaps the parser and forgets the previous parse result.
func (b *UnifiedBody) SetParser(p Parser) {
	b.parser = p
	b.parsed = nil
	b.parseErr = nil
	b.dirty = false
}

// SetParsed replaces the parsed value; Bytes serializes it again.
func (b *UnifiedBody) SetParsed(v any) {
	b.discardReader()
	b.parsed = v
	b.parseErr = nil
	b.dirty = true
}

func (b *UnifiedBody) discardReader() {
	if b.reader != nil {
		b.reader.Close()
		b.reader = nil
	}
}

func (b *UnifiedBody) Close() error {
	if b.reader == nil {
		return nil
	}
	return b.reader.Close()
}
