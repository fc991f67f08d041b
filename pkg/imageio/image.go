package imageio

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	// Register decoders for standard formats.
	_ "image/gif"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const DefaultJPEGQuality = 90

// Image is a decoded bitmap plus what we know about where it came from.
type Image struct {
	Img    image.Image
	Format string // decoder name: jpeg, png, gif, webp, bmp, tiff
	Source Source
}

// Decode decodes data with any registered image format.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image data")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return &Image{Img: img, Format: format}, nil
}

func (i *Image) Width() int {
	return i.Img.Bounds().Dx()
}

func (i *Image) Height() int {
	return i.Img.Bounds().Dy()
}

// RGB returns an opaque RGB copy. Transparent and paletted images are flattened onto white.
func (i *Image) RGB() *Image {
	if isOpaqueRGB(i.Img) {
		return i
	}
	b := i.Img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), i.Img, b.Min, draw.Over)
	return &Image{Img: dst, Format: i.Format, Source: i.Source}
}

func isOpaqueRGB(img image.Image) bool {
	switch v := img.(type) {
	case *image.YCbCr:
		return true
	case *image.RGBA:
		return v.Opaque()
	default:
		return false
	}
}

// FitWidth downsizes the image to maxWidth pixels wide keeping the aspect ratio.
// Images already narrower than maxWidth are returned unchanged.
func (i *Image) FitWidth(maxWidth int) *Image {
	w, h := i.Width(), i.Height()
	if maxWidth <= 0 || w <= maxWidth {
		return i
	}
	newH := h * maxWidth / w
	if newH < 1 {
		newH = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, newH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), i.Img, i.Img.Bounds(), draw.Over, nil)
	return &Image{Img: dst, Format: i.Format, Source: i.Source}
}

// JPEG encodes the image as JPEG after flattening it to RGB.
func (i *Image) JPEG() ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, i.RGB().Img, &jpeg.Options{Quality: DefaultJPEGQuality}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// PNG encodes the image losslessly.
func (i *Image) PNG() ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, i.Img); err != nil {
		return nil, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURL returns the image as a base64 JPEG data URL.
func (i *Image) DataURL() (string, error) {
	b, err := i.JPEG()
	if err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(b), nil
}
