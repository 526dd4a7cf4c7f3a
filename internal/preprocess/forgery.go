package preprocess

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

const DefaultForgerySize = 128

// ForgeryPreprocessor feeds the forgery model: ELA image, squashed to
// Size x Size, scaled to [0,1], laid out as (1, Size, Size, 3).
type ForgeryPreprocessor struct {
	ELA  ELA
	Size int
}

func NewForgeryPreprocessor(ela ELA, size int) *ForgeryPreprocessor {
	if size <= 0 {
		size = DefaultForgerySize
	}
	return &ForgeryPreprocessor{ELA: ela, Size: size}
}

func (p *ForgeryPreprocessor) Preprocess(img image.Image) (Tensor, error) {
	ela, err := p.ELA.Transform(img)
	if err != nil {
		return Tensor{}, fmt.Errorf("ela transform failed: %w", err)
	}

	size := p.Size
	resized := resize.Resize(uint(size), uint(size), ela.Image, resize.Bicubic)

	t := NewTensor(1, int64(size), int64(size), 3)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b := rgbAt(resized, x, y)
			i := (y*size + x) * 3
			t.Data[i] = float32(r) / 255.0
			t.Data[i+1] = float32(g) / 255.0
			t.Data[i+2] = float32(b) / 255.0
		}
	}
	return t, nil
}
