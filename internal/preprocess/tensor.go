package preprocess

import (
	"fmt"
	"image"
)

// Tensor is a dense float32 array in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

func NewTensor(shape ...int64) Tensor {
	return Tensor{Shape: shape, Data: make([]float32, numElements(shape))}
}

// Validate checks that Data holds exactly as many values as Shape describes.
func (t Tensor) Validate() error {
	if n := numElements(t.Shape); n != len(t.Data) {
		return fmt.Errorf("tensor shape %v needs %d values, got %d", t.Shape, n, len(t.Data))
	}
	return nil
}

func numElements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

// Preprocessor turns a decoded image into a model input tensor.
type Preprocessor interface {
	Preprocess(img image.Image) (Tensor, error)
}
