package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// MaxImagePixels caps width*height of a decoded image. Compressed formats can
// declare dimensions far beyond what the upload size suggests.
const MaxImagePixels = 178956970

var ErrTooManyPixels = errors.New("image exceeds pixel limit")

// Decode reads any registered image format and returns the image together
// with the detected format name. The header is checked against
// MaxImagePixels before any pixel data is allocated.
func Decode(r io.Reader) (image.Image, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("cannot identify image file: %w", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > MaxImagePixels {
		return nil, format, fmt.Errorf("%w: Image size (%d pixels) exceeds limit of %d pixels, could be decompression bomb DOS attack",
			ErrTooManyPixels, pixels, MaxImagePixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("cannot identify image file: %w", err)
	}
	return img, format, nil
}

// ToRGB flattens img into an opaque NRGBA buffer anchored at (0,0). Colour
// channels are taken unpremultiplied and alpha is discarded.
func ToRGB(img image.Image) *image.NRGBA {
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := out.PixOffset(x, y)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = 0xff
		}
	}
	return out
}

// rgbAt returns the 8-bit RGB triple of pixel (x,y) relative to the image origin.
func rgbAt(img image.Image, x, y int) (r, g, b uint8) {
	o := img.Bounds().Min
	if n, ok := img.(*image.NRGBA); ok {
		i := n.PixOffset(o.X+x, o.Y+y)
		return n.Pix[i], n.Pix[i+1], n.Pix[i+2]
	}
	c := color.NRGBAModel.Convert(img.At(o.X+x, o.Y+y)).(color.NRGBA)
	return c.R, c.G, c.B
}
