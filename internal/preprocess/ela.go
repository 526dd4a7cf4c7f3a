package preprocess

import (
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
)

const DefaultELAQuality = 90

// ELA performs error level analysis: the image is recompressed as JPEG and the
// per-pixel difference to the original is brightened so that the largest
// difference maps to full intensity.
type ELA struct {
	Quality int
	// TempDir is the parent of the scratch directory; empty means os.TempDir.
	TempDir string
}

type ELAResult struct {
	Image   *image.NRGBA
	MaxDiff uint8
	Scale   float64
}

func (e ELA) quality() int {
	if e.Quality <= 0 {
		return DefaultELAQuality
	}
	return e.Quality
}

func (e ELA) Transform(img image.Image) (*ELAResult, error) {
	rgb := ToRGB(img)

	recompressed, err := e.roundTrip(rgb)
	if err != nil {
		return nil, err
	}
	if recompressed.Bounds().Dx() != rgb.Bounds().Dx() || recompressed.Bounds().Dy() != rgb.Bounds().Dy() {
		return nil, fmt.Errorf("recompressed image is %v, original %v", recompressed.Bounds(), rgb.Bounds())
	}

	w, h := rgb.Bounds().Dx(), rgb.Bounds().Dy()
	diff := image.NewNRGBA(rgb.Bounds())
	var maxDiff uint8
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b := rgbAt(recompressed, x, y)
			i := rgb.PixOffset(x, y)
			d := [3]uint8{
				absDiff(rgb.Pix[i], r),
				absDiff(rgb.Pix[i+1], g),
				absDiff(rgb.Pix[i+2], b),
			}
			for c, v := range d {
				diff.Pix[i+c] = v
				if v > maxDiff {
					maxDiff = v
				}
			}
			diff.Pix[i+3] = 0xff
		}
	}

	// Uniform or already maximally compressed images have no difference at all.
	if maxDiff == 0 {
		maxDiff = 1
	}
	scale := 255.0 / float64(maxDiff)

	for i := 0; i < len(diff.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			v := float64(diff.Pix[i+c]) * 255 / float64(maxDiff)
			if v > 255 {
				v = 255
			}
			diff.Pix[i+c] = uint8(v)
		}
	}

	return &ELAResult{Image: diff, MaxDiff: maxDiff, Scale: scale}, nil
}

// roundTrip writes img as JPEG into a private scratch directory and reads it
// back. The directory is removed before returning.
func (e ELA) roundTrip(img *image.NRGBA) (image.Image, error) {
	dir, err := os.MkdirTemp(e.TempDir, "ela-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "recompressed.jpg")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: e.quality()}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to write temp file: %w", err)
	}

	f, err = os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to reopen temp file: %w", err)
	}
	defer f.Close()

	out, err := jpeg.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode recompressed jpeg: %w", err)
	}
	return out, nil
}

func absDiff(a, b uint8) uint8 {
	if a > b {
		return a - b
	}
	return b - a
}
