package model

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// Environment owns the process-wide ONNX Runtime state. Create it once before
// any Session and close it after all sessions are closed.
type Environment struct{}

func NewEnvironment(sharedLibraryPath string) (*Environment, error) {
	if sharedLibraryPath != "" {
		ort.SetSharedLibraryPath(sharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return &Environment{}, nil
}

func (e *Environment) Close() {
	ort.DestroyEnvironment()
}

// Runner executes a graph on a flat input and returns its flat output.
type Runner interface {
	Run(input []float32) ([]float32, error)
}

// Session is a single ONNX graph bound to pre-allocated input and output
// tensors. Runs are serialized because the tensors are shared.
type Session struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	meta         Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func NewSession(modelPath string, meta Metadata) (*Session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session for %s: %w", modelPath, err)
	}

	return &Session{
		session:      session,
		meta:         meta,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (s *Session) Run(input []float32) ([]float32, error) {
	if len(input) != s.meta.InputSize() {
		return nil, fmt.Errorf("expected %d input values, got %d", s.meta.InputSize(), len(input))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, fmt.Errorf("session is closed")
	}
	copy(s.inputTensor.GetData(), input)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := make([]float32, len(s.outputTensor.GetData()))
	copy(out, s.outputTensor.GetData())
	return out, nil
}

func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
}
