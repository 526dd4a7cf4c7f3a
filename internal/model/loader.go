package model

import "fmt"

// HeadSpec describes how to rebuild the classification layer of a backbone.
type HeadSpec struct {
	Checkpoint string
	LoadOptions
	InFeatures int
	Seed       uint64
}

// Spec is everything needed to bring one classifier up.
type Spec struct {
	Name         string
	Path         string
	MetadataPath string
	Defaults     Metadata
	Classes      int
	// Head, when set, re-heads the graph: the graph must emit features and a
	// fresh LinearHead maps them to Classes scores.
	Head *HeadSpec
}

// Model is a loaded classifier plus the resources backing it.
type Model struct {
	Name       string
	Classifier Classifier
	Head       *LoadReport
	Err        error

	session *Session
}

func (m *Model) Available() bool {
	return m.Err == nil
}

func (m *Model) Close() {
	if m.session != nil {
		m.session.Close()
	}
}

// Unloaded wraps a load failure so that requests fail instead of the process.
func Unloaded(name string, err error) *Model {
	return &Model{
		Name:       name,
		Classifier: &Unavailable{Name: name, Err: err},
		Err:        err,
	}
}

// Load opens the ONNX graph described by spec. The Environment must already
// be initialised.
func Load(spec Spec) (*Model, error) {
	meta, err := LoadMetadata(spec.MetadataPath, spec.Defaults)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	var head *LinearHead
	var report *LoadReport
	if spec.Head != nil {
		if meta.Output != OutputFeatures {
			return nil, fmt.Errorf("%s: re-heading needs a features output, graph declares %q", spec.Name, meta.Output)
		}
		if meta.OutputSize() != spec.Head.InFeatures {
			return nil, fmt.Errorf("%s: graph emits %d features, head expects %d", spec.Name, meta.OutputSize(), spec.Head.InFeatures)
		}
		h, r := BuildHead(*spec.Head, spec.Classes)
		head, report = h, &r
	} else if meta.Output == OutputFeatures {
		return nil, fmt.Errorf("%s: graph emits features but no head is configured", spec.Name)
	}

	session, err := NewSession(spec.Path, meta)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name, err)
	}

	m := &Model{Name: spec.Name, Head: report, session: session}
	if head != nil {
		m.Classifier = NewHeadClassifier(session, head)
	} else {
		m.Classifier = NewSessionClassifier(session, meta.Output, spec.Classes)
	}
	return m, nil
}

// BuildHead creates a fresh head for classes outputs and copies into it
// whatever the checkpoint may contribute under spec's exclusion rules. An
// unreadable checkpoint leaves the fresh head in place and is recorded in
// the report's CheckpointErr.
func BuildHead(spec HeadSpec, classes int) (*LinearHead, LoadReport) {
	head := NewLinearHead(spec.InFeatures, classes, spec.Seed)
	sd, err := ReadCheckpoint(spec.Checkpoint)
	report := head.LoadStateDict(sd, spec.LoadOptions)
	report.CheckpointErr = err
	return head, report
}
