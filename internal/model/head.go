package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// LinearHead is a fully connected output layer, y = Wx + b, applied to the
// feature vector produced by a backbone graph.
type LinearHead struct {
	In     int
	Out    int
	Weight []float32 // Out x In, row-major
	Bias   []float32
}

// NewLinearHead returns a freshly initialised head. Weights and bias are drawn
// uniformly from [-1/sqrt(in), 1/sqrt(in)] with a generator seeded by seed.
func NewLinearHead(in, out int, seed uint64) *LinearHead {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	bound := 1 / math.Sqrt(float64(in))
	uniform := func() float32 {
		return float32((rng.Float64()*2 - 1) * bound)
	}

	h := &LinearHead{
		In:     in,
		Out:    out,
		Weight: make([]float32, in*out),
		Bias:   make([]float32, out),
	}
	for i := range h.Weight {
		h.Weight[i] = uniform()
	}
	for i := range h.Bias {
		h.Bias[i] = uniform()
	}
	return h
}

type LoadOptions struct {
	// Prefix names the layer inside the checkpoint, e.g. "fc" for fc.weight.
	Prefix string
	// Exclude lists parameter names that must never be copied into the head.
	Exclude []string
}

// LoadReport tells which checkpoint entries ended up in the head.
type LoadReport struct {
	Loaded     []string
	Excluded   []string
	Mismatched []string
	Missing    []string
	// Unexpected are entries that do not belong to the head. Backbone weights
	// are compiled into the graph and show up here.
	Unexpected []string
	// CheckpointErr is set when the checkpoint could not be read at all.
	CheckpointErr error
}

// Reinitialized reports whether any head parameter kept its fresh values.
func (r LoadReport) Reinitialized() bool {
	return len(r.Excluded)+len(r.Mismatched)+len(r.Missing) > 0
}

// LoadStateDict copies matching head parameters from sd. Parameters that are
// excluded, absent or of the wrong shape keep their initial values.
func (h *LinearHead) LoadStateDict(sd StateDict, opts LoadOptions) LoadReport {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "fc"
	}

	targets := []struct {
		name  string
		shape []int64
		dst   []float32
	}{
		{prefix + ".weight", []int64{int64(h.Out), int64(h.In)}, h.Weight},
		{prefix + ".bias", []int64{int64(h.Out)}, h.Bias},
	}

	var report LoadReport
	own := make(map[string]bool, len(targets))
	for _, t := range targets {
		own[t.name] = true
		p, ok := sd[t.name]
		switch {
		case slices.Contains(opts.Exclude, t.name):
			if ok {
				report.Excluded = append(report.Excluded, t.name)
			} else {
				report.Missing = append(report.Missing, t.name)
			}
		case !ok:
			report.Missing = append(report.Missing, t.name)
		case !slices.Equal(p.Shape, t.shape):
			report.Mismatched = append(report.Mismatched, t.name)
		default:
			copy(t.dst, p.Data)
			report.Loaded = append(report.Loaded, t.name)
		}
	}

	for _, name := range sd.Names() {
		if !own[name] {
			report.Unexpected = append(report.Unexpected, name)
		}
	}
	return report
}

func (h *LinearHead) Forward(features []float32) ([]float32, error) {
	if len(features) != h.In {
		return nil, fmt.Errorf("head expects %d features, got %d", h.In, len(features))
	}
	out := make([]float32, h.Out)
	for o := 0; o < h.Out; o++ {
		sum := float64(h.Bias[o])
		row := h.Weight[o*h.In : (o+1)*h.In]
		for i, w := range row {
			sum += float64(w) * float64(features[i])
		}
		out[o] = float32(sum)
	}
	return out, nil
}

