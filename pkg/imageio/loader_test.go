package imageio

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestClassify(t *testing.T) {
	assert.Equal(t, SourceDataURL, Classify("data:image/png;base64,AAAA"))
	assert.Equal(t, SourceRemote, Classify("http://cam.local/snap.jpg"))
	assert.Equal(t, SourceRemote, Classify("https://example.com/a.png"))
	assert.Equal(t, SourceLocal, Classify("/tmp/frame.jpg"))
	assert.Equal(t, SourceLocal, Classify("frames/1.jpg"))
}

func TestLoader_LoadDataURL(t *testing.T) {
	data := testPNG(t, 4, 3, color.NRGBA{R: 255, A: 255})
	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)

	var hooked int32
	l := NewLoader(nil)
	l.OnLoaded = func(img *Image) { atomic.AddInt32(&hooked, 1) }
	img, err := l.Load(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "png", img.Format)
	assert.Equal(t, SourceDataURL, img.Source)
	assert.Equal(t, 4, img.Width())
	assert.Equal(t, 3, img.Height())
	assert.EqualValues(t, 1, atomic.LoadInt32(&hooked))
}

func TestLoader_LoadBase64(t *testing.T) {
	data := testPNG(t, 2, 2, color.Black)
	l := NewLoader(nil)

	img, err := l.LoadBase64(context.Background(), base64.StdEncoding.EncodeToString(data))
	require.NoError(t, err)
	assert.Equal(t, SourceBase64, img.Source)

	// unpadded payloads are accepted too
	img, err = l.LoadBase64(context.Background(), base64.RawStdEncoding.EncodeToString(data))
	require.NoError(t, err)
	assert.Equal(t, 2, img.Width())
}

func TestLoader_InvalidData(t *testing.T) {
	l := NewLoader(nil)

	_, err := l.LoadBase64(context.Background(), "!!!not-base64!!!")
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, SourceBase64, le.Source)

	_, err = l.Load(context.Background(), "data:image/png;base64,"+base64.StdEncoding.EncodeToString([]byte("not an image")))
	require.ErrorAs(t, err, &le)
	assert.Equal(t, SourceDataURL, le.Source)

	_, err = l.Load(context.Background(), "data:text/plain,hello")
	assert.Error(t, err)
}

func TestLoader_LoadRemote(t *testing.T) {
	data := testPNG(t, 8, 8, color.White)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}))
	defer srv.Close()

	l := NewLoader(srv.Client())
	img, err := l.Load(context.Background(), srv.URL+"/cam.png")
	require.NoError(t, err)
	assert.Equal(t, SourceRemote, img.Source)
	assert.Equal(t, 8, img.Width())

	_, err = l.Load(context.Background(), srv.URL+"/missing.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status code: 404")
}

func TestLoader_MaxBytes(t *testing.T) {
	data := testPNG(t, 16, 16, color.White)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer srv.Close()

	l := NewLoader(srv.Client())
	l.MaxBytes = 10
	_, err := l.Load(context.Background(), srv.URL+"/big.png")
	assert.True(t, errors.Is(err, ErrTooLarge))

	_, err = l.LoadBase64(context.Background(), base64.StdEncoding.EncodeToString(data))
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestLoader_LocalFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "frame.png"), testPNG(t, 5, 5, color.White), 0o644))

	l := NewLoader(nil)
	_, err := l.Load(context.Background(), filepath.Join(dir, "frame.png"))
	assert.True(t, errors.Is(err, ErrLocalFilesDisabled))

	l.AllowLocalFiles = true
	img, err := l.Load(context.Background(), filepath.Join(dir, "frame.png"))
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, img.Source)

	l.LocalRoot = dir
	img, err = l.Load(context.Background(), "frame.png")
	require.NoError(t, err)
	assert.Equal(t, 5, img.Width())

	_, err = l.Load(context.Background(), "../etc/passwd")
	assert.True(t, errors.Is(err, ErrOutsideLocalRoot))
}

func TestLoader_LoadAllKeepsOrder(t *testing.T) {
	l := NewLoader(nil)
	refs := make([]Ref, 0, 6)
	for i := 1; i <= 6; i++ {
		refs = append(refs, Ref{
			Value:  base64.StdEncoding.EncodeToString(testPNG(t, i, 1, color.White)),
			Base64: true,
		})
	}
	images, err := l.LoadAll(context.Background(), refs)
	require.NoError(t, err)
	require.Len(t, images, 6)
	for i, img := range images {
		assert.Equal(t, i+1, img.Width())
	}

	refs = append(refs, Ref{Value: "not-base64", Base64: true})
	_, err = l.LoadAll(context.Background(), refs)
	assert.Error(t, err)
}

// hugePNG returns a tiny PNG whose header claims w x h pixels.
func hugePNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := testPNG(t, 1, 1, color.White)
	// IHDR data starts after the signature, chunk length and chunk type
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestLoader_MaxPixels(t *testing.T) {
	l := NewLoader(nil)
	assert.EqualValues(t, 89_478_485, l.MaxPixels)

	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(hugePNG(t, 40000, 40000))
	_, err := l.Load(context.Background(), ref)
	assert.True(t, errors.Is(err, ErrTooManyPixels))
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, SourceDataURL, le.Source)

	l.MaxPixels = 100
	_, err = l.LoadBase64(context.Background(), base64.StdEncoding.EncodeToString(testPNG(t, 20, 20, color.White)))
	assert.True(t, errors.Is(err, ErrTooManyPixels))

	img, err := l.LoadBase64(context.Background(), base64.StdEncoding.EncodeToString(testPNG(t, 10, 10, color.White)))
	require.NoError(t, err)
	assert.Equal(t, 10, img.Width())
}

func TestLoader_LocalRootRejectsEscapingSymlink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.png")
	require.NoError(t, os.WriteFile(secret, testPNG(t, 3, 3, color.White), 0o644))
	if err := os.Symlink(secret, filepath.Join(root, "link.png")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	l := NewLoader(nil)
	l.AllowLocalFiles = true
	l.LocalRoot = root
	img, err := l.Load(context.Background(), "link.png")
	assert.Nil(t, img)
	assert.Error(t, err)

	_, err = l.Load(context.Background(), filepath.Join(root, "link.png"))
	assert.Error(t, err)

	// without a root the link is an ordinary path
	l.LocalRoot = ""
	img, err = l.Load(context.Background(), filepath.Join(root, "link.png"))
	require.NoError(t, err)
	assert.Equal(t, 3, img.Width())
}
