package service

import (
	"context"
	"fmt"
	"image"
	"io"

	"github.com/Brownie44l1/forensics-api/internal/model"
	"github.com/Brownie44l1/forensics-api/internal/preprocess"
)

type PredictionResult struct {
	Label      string    `json:"prediction"`
	Confidence float64   `json:"confidence"`
	RawScores  []float64 `json:"raw_prediction"`
}

// Pipeline chains one preprocessor and one classifier.
type Pipeline struct {
	Name         string
	Preprocessor preprocess.Preprocessor
	Classifier   model.Classifier
	Labels       []string
}

func (p *Pipeline) Predict(ctx context.Context, img image.Image) (*PredictionResult, error) {
	tensor, err := p.Preprocessor.Preprocess(img)
	if err != nil {
		return nil, wrap(KindInference, fmt.Errorf("preprocessing failed: %w", err))
	}
	if err := tensor.Validate(); err != nil {
		return nil, wrap(KindInference, err)
	}
	scores, err := p.Classifier.Classify(ctx, tensor.Data)
	if err != nil {
		return nil, wrap(KindInference, err)
	}
	return Interpret(scores, p.Labels)
}

// Interpret picks the most probable class.
func Interpret(scores []float32, labels []string) (*PredictionResult, error) {
	if len(scores) != len(labels) || len(scores) == 0 {
		return nil, wrap(KindInference, fmt.Errorf("got %d scores for %d labels", len(scores), len(labels)))
	}
	idx := model.Argmax(scores)
	raw := make([]float64, len(scores))
	for i, s := range scores {
		raw[i] = float64(s)
	}
	return &PredictionResult{
		Label:      labels[idx],
		Confidence: raw[idx],
		RawScores:  raw,
	}, nil
}

// ModelStatus is what /health reports per model.
type ModelStatus struct {
	Loaded bool   `json:"loaded"`
	Error  string `json:"error,omitempty"`
}

// Service is built once at startup and only read afterwards.
type Service struct {
	forgery *Pipeline
	stegano *Pipeline
	ela     preprocess.ELA
	status  map[string]ModelStatus
}

type Options struct {
	Forgery *Pipeline
	Stegano *Pipeline
	ELA     preprocess.ELA
	// Models lists the loaded models for status reporting.
	Models []*model.Model
}

func New(opts Options) *Service {
	status := make(map[string]ModelStatus, len(opts.Models))
	for _, m := range opts.Models {
		st := ModelStatus{Loaded: m.Available()}
		if m.Err != nil {
			st.Error = m.Err.Error()
		}
		status[m.Name] = st
	}
	return &Service{
		forgery: opts.Forgery,
		stegano: opts.Stegano,
		ela:     opts.ELA,
		status:  status,
	}
}

func (s *Service) Decode(r io.Reader) (image.Image, error) {
	img, _, err := preprocess.Decode(r)
	if err != nil {
		return nil, wrap(KindDecode, err)
	}
	return img, nil
}

func (s *Service) PredictForgery(ctx context.Context, img image.Image) (*PredictionResult, error) {
	return s.forgery.Predict(ctx, img)
}

func (s *Service) PredictStegano(ctx context.Context, img image.Image) (*PredictionResult, error) {
	return s.stegano.Predict(ctx, img)
}

func (s *Service) ELA(ctx context.Context, img image.Image) (*preprocess.ELAResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap(KindInference, err)
	}
	res, err := s.ela.Transform(img)
	if err != nil {
		return nil, wrap(KindInference, err)
	}
	return res, nil
}

func (s *Service) Models() map[string]ModelStatus {
	out := make(map[string]ModelStatus, len(s.status))
	for k, v := range s.status {
		out[k] = v
	}
	return out
}

func NewForgeryPipeline(c model.Classifier, ela preprocess.ELA, size int, labels []string) *Pipeline {
	return &Pipeline{
		Name:         "forgery",
		Preprocessor: preprocess.NewForgeryPreprocessor(ela, size),
		Classifier:   c,
		Labels:       labels,
	}
}

func NewSteganoPipeline(c model.Classifier, size int, labels []string) *Pipeline {
	return &Pipeline{
		Name:         "stegano",
		Preprocessor: preprocess.NewSteganoPreprocessor(size),
		Classifier:   c,
		Labels:       labels,
	}
}
