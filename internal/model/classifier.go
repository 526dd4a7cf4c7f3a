package model

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var ErrModelUnavailable = errors.New("model is not loaded")

// Classifier maps a preprocessed input tensor to a probability vector.
type Classifier interface {
	Classify(ctx context.Context, input []float32) ([]float32, error)
}

// SessionClassifier runs a graph whose output already has one score per class.
type SessionClassifier struct {
	runner  Runner
	output  OutputKind
	classes int
}

func NewSessionClassifier(runner Runner, output OutputKind, classes int) *SessionClassifier {
	return &SessionClassifier{runner: runner, output: output, classes: classes}
}

func (c *SessionClassifier) Classify(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := c.runner.Run(input)
	if err != nil {
		return nil, err
	}
	if len(out) != c.classes {
		return nil, fmt.Errorf("model returned %d scores, expected %d", len(out), c.classes)
	}
	if c.output == OutputLogits {
		return Softmax(out), nil
	}
	return out, nil
}

// HeadClassifier runs a backbone graph that emits features and applies a
// LinearHead on top of it.
type HeadClassifier struct {
	backbone Runner
	head     *LinearHead
}

func NewHeadClassifier(backbone Runner, head *LinearHead) *HeadClassifier {
	return &HeadClassifier{backbone: backbone, head: head}
}

func (c *HeadClassifier) Classify(ctx context.Context, input []float32) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	features, err := c.backbone.Run(input)
	if err != nil {
		return nil, err
	}
	logits, err := c.head.Forward(features)
	if err != nil {
		return nil, err
	}
	return Softmax(logits), nil
}

// Unavailable stands in for a model that failed to load.
type Unavailable struct {
	Name string
	Err  error
}

func (u *Unavailable) Classify(context.Context, []float32) ([]float32, error) {
	return nil, fmt.Errorf("%s %w: %v", u.Name, ErrModelUnavailable, u.Err)
}

func Softmax(x []float32) []float32 {
	if len(x) == 0 {
		return nil
	}
	maxV := math.Inf(-1)
	for _, v := range x {
		maxV = math.Max(maxV, float64(v))
	}
	exps := make([]float64, len(x))
	var sum float64
	for i, v := range x {
		exps[i] = math.Exp(float64(v) - maxV)
		sum += exps[i]
	}
	out := make([]float32, len(x))
	for i := range exps {
		out[i] = float32(exps[i] / sum)
	}
	return out
}

// Argmax returns the index of the largest value, the first one on ties, or -1
// for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}
