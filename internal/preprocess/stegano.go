package preprocess

import (
	"image"

	"github.com/nfnt/resize"
)

const DefaultSteganoSize = 256

// ImageNet channel statistics.
var (
	ImageNetMean = [3]float32{0.485, 0.456, 0.406}
	ImageNetStd  = [3]float32{0.229, 0.224, 0.225}
)

// SteganoPreprocessor feeds the steganography model: the RGB image resized to
// Size x Size, standardized per channel and laid out as (1, 3, Size, Size).
type SteganoPreprocessor struct {
	Size int
	Mean [3]float32
	Std  [3]float32
}

func NewSteganoPreprocessor(size int) *SteganoPreprocessor {
	if size <= 0 {
		size = DefaultSteganoSize
	}
	return &SteganoPreprocessor{Size: size, Mean: ImageNetMean, Std: ImageNetStd}
}

func (p *SteganoPreprocessor) Preprocess(img image.Image) (Tensor, error) {
	size := p.Size
	resized := resize.Resize(uint(size), uint(size), ToRGB(img), resize.Bilinear)

	plane := size * size
	t := NewTensor(1, 3, int64(size), int64(size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b := rgbAt(resized, x, y)
			idx := y*size + x
			for c, v := range [3]uint8{r, g, b} {
				t.Data[c*plane+idx] = (float32(v)/255.0 - p.Mean[c]) / p.Std[c]
			}
		}
	}
	return t, nil
}
