// Package imageio turns image references found in chat requests into decoded bitmaps.
package imageio

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Source string

const (
	SourceDataURL Source = "data_url"
	SourceBase64  Source = "base64"
	SourceRemote  Source = "remote"
	SourceLocal   Source = "local"
)

const (
	DefaultMaxBytes     int64 = 20 << 20
	DefaultMaxPixels    int64 = 89_478_485
	DefaultFetchTimeout       = 30 * time.Second
	DefaultConcurrency        = 4
)

var (
	ErrLocalFilesDisabled = errors.New("local image paths are not allowed")
	ErrOutsideLocalRoot   = errors.New("local image path is outside the allowed root")
	ErrTooLarge           = errors.New("image exceeds size limit")
	ErrTooManyPixels      = errors.New("image exceeds pixel limit")
)

// LoadError reports a failed ingestion together with where the image came from.
type LoadError struct {
	Source Source
	Ref    string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s image: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadedHook observes every successfully decoded image.
type LoadedHook func(img *Image)

type Loader struct {
	Client          *http.Client
	MaxBytes        int64
	MaxPixels       int64 // width*height cap checked before decoding
	FetchTimeout    time.Duration
	AllowLocalFiles bool
	LocalRoot       string // when set, local paths must resolve inside it
	Concurrency     int
	OnLoaded        LoadedHook
}

func NewLoader(client *http.Client) *Loader {
	if client == nil {
		client = http.DefaultClient
	}
	return &Loader{
		Client:       client,
		MaxBytes:     DefaultMaxBytes,
		MaxPixels:    DefaultMaxPixels,
		FetchTimeout: DefaultFetchTimeout,
		Concurrency:  DefaultConcurrency,
	}
}

// Classify reports how ref would be loaded.
func Classify(ref string) Source {
	switch {
	case strings.HasPrefix(ref, "data:"):
		return SourceDataURL
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return SourceRemote
	default:
		return SourceLocal
	}
}

// Load decodes an image given as a data URL, a http(s) URL or a local path.
func (l *Loader) Load(ctx context.Context, ref string) (*Image, error) {
	src := Classify(ref)
	var (
		data []byte
		err  error
	)
	switch src {
	case SourceDataURL:
		data, err = decodeBase64Payload(ref)
	case SourceRemote:
		data, err = l.fetch(ctx, ref)
	case SourceLocal:
		data, err = l.readLocal(ref)
	}
	if err != nil {
		return nil, &LoadError{Source: src, Ref: shorten(ref), Err: err}
	}
	return l.decode(ctx, src, ref, data)
}

// LoadBase64 decodes a raw base64 payload. A leading "...base64," marker is tolerated.
func (l *Loader) LoadBase64(ctx context.Context, payload string) (*Image, error) {
	data, err := decodeBase64Payload(payload)
	if err != nil {
		return nil, &LoadError{Source: SourceBase64, Ref: shorten(payload), Err: err}
	}
	return l.decode(ctx, SourceBase64, payload, data)
}

// Ref is one image reference queued for LoadAll.
type Ref struct {
	Value  string
	Base64 bool // Value is a raw base64 payload
}

// LoadAll loads refs concurrently and returns the images in the order of refs.
func (l *Loader) LoadAll(ctx context.Context, refs []Ref) ([]*Image, error) {
	images := make([]*Image, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	limit := l.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g.SetLimit(limit)
	for i, ref := range refs {
		g.Go(func() error {
			var (
				img *Image
				err error
			)
			if ref.Base64 {
				img, err = l.LoadBase64(gctx, ref.Value)
			} else {
				img, err = l.Load(gctx, ref.Value)
			}
			if err != nil {
				return err
			}
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

func (l *Loader) decode(ctx context.Context, src Source, ref string, data []byte) (*Image, error) {
	if l.MaxBytes > 0 && int64(len(data)) > l.MaxBytes {
		return nil, &LoadError{Source: src, Ref: shorten(ref), Err: ErrTooLarge}
	}
	if err := l.checkPixels(data); err != nil {
		return nil, &LoadError{Source: src, Ref: shorten(ref), Err: err}
	}
	img, err := Decode(data)
	if err != nil {
		return nil, &LoadError{Source: src, Ref: shorten(ref), Err: err}
	}
	img.Source = src
	logrus.WithContext(ctx).Debugf("[imageio] decoded %s image: format=%s size=%dx%d bytes=%d",
		src, img.Format, img.Width(), img.Height(), len(data))
	if l.OnLoaded != nil {
		l.OnLoaded(img)
	}
	return img, nil
}

func (l *Loader) checkPixels(data []byte) error {
	if l.MaxPixels <= 0 {
		return nil
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decoding image: %w", err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > l.MaxPixels {
		return fmt.Errorf("%w: %dx%d", ErrTooManyPixels, cfg.Width, cfg.Height)
	}
	return nil
}

func decodeBase64Payload(s string) ([]byte, error) {
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	} else if strings.HasPrefix(s, "data:") {
		return nil, errors.New("data URL is not base64 encoded")
	}
	s = strings.TrimSpace(s)
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		// some clients strip the padding
		if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("invalid base64 data: %w", err)
	}
	return data, nil
}

func (l *Loader) fetch(ctx context.Context, url string) ([]byte, error) {
	if l.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.FetchTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request error: %w", err)
	}
	cli := l.Client
	if cli == nil {
		cli = http.DefaultClient
	}
	resp, err := cli.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image from URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download image from URL: %s, status code: %d", url, resp.StatusCode)
	}
	return l.readLimited(resp.Body)
}

func (l *Loader) readLocal(path string) ([]byte, error) {
	if !l.AllowLocalFiles {
		return nil, ErrLocalFilesDisabled
	}
	path = strings.TrimPrefix(path, "file://")
	if l.LocalRoot == "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return l.readLimited(f)
	}

	root, err := filepath.Abs(l.LocalRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve local root: %w", err)
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, ErrOutsideLocalRoot
	}
	// symlinks may not leave root either
	f, err := os.OpenInRoot(root, rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return l.readLimited(f)
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	if l.MaxBytes <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, l.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > l.MaxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

func shorten(ref string) string {
	if len(ref) > 100 {
		return ref[:100] + "..."
	}
	return ref
}
