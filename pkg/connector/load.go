package connector

import (
	"fmt"

	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/memory"
	"github.com/marcobarlo/LMCache-Ascend/pkg/paged"
)

// LoadSequence moves memory objects into the paged cache one layer per step.
//
// It takes exactly NumLayers+2 successful calls to Next:
//
//	Next(nil)      setup: validate, build pointer table, allocate staging
//	Next(objs[i])  issue layer i on the load stream, i = 0..NumLayers-1
//	Next(nil)      final: wait for the last layer, release staging
//
// The sequence must be driven to its terminal step, otherwise the staging
// buffer is never released.
type LoadSequence struct {
	conn   *LayerwiseConnector
	dc     *device.Context
	chunks []Chunk
	params TransferParams

	t     *transfer
	phase Phase
	layer int
	err   error
}

// BatchedToDevice starts a load of the token range described by chunks.
// Nothing is validated or issued until the first call to Next.
func (c *LayerwiseConnector) BatchedToDevice(dc *device.Context, chunks []Chunk, params TransferParams) *LoadSequence {
	c.loadCalls.Add(1)
	return &LoadSequence{
		conn:   c,
		dc:     dc,
		chunks: chunks,
		params: params,
		phase:  PhaseSetup,
	}
}

// Phase returns the phase the next call to Next will run.
func (s *LoadSequence) Phase() Phase {
	return s.phase
}

// Next advances the sequence. objs is the per-chunk memory objects of the
// next layer and must be nil at setup and at the final step.
func (s *LoadSequence) Next(objs []*memory.Object) (Step, error) {
	if s.err != nil {
		return Step{}, s.err
	}

	var (
		step Step
		err  error
	)
	switch s.phase {
	case PhaseSetup:
		step, err = s.setup(objs)
	case PhaseLayer:
		step, err = s.loadLayer(objs)
	case PhaseFinal:
		step, err = s.finish(objs)
	default:
		return Step{}, ErrSequenceDone
	}
	if err != nil {
		s.phase = PhaseDone
		if s.t == nil {
			s.conn.failedSequence.Add(1)
		}
		s.err = s.t.fail(err)
		s.t = nil
		return Step{}, s.err
	}
	return step, nil
}

func (s *LoadSequence) setup(objs []*memory.Object) (Step, error) {
	if objs != nil {
		return Step{}, fmt.Errorf("%w: setup takes no memory objects", ErrPrecondition)
	}
	t, err := s.conn.prepare(s.dc, paged.ToPaged, s.chunks, s.params)
	if err != nil {
		return Step{}, err
	}
	if err := t.allocateStaging(); err != nil {
		return Step{}, err
	}
	s.t = t

	s.conn.logger.Debug("load setup",
		"tokens", len(t.full),
		"chunks", len(t.chunks),
		"staging", t.staging != nil,
		"sync", s.params.Sync)

	s.phase = PhaseLayer
	if s.conn.cfg.NumLayers == 0 {
		s.phase = PhaseFinal
	}
	return Step{Phase: PhaseSetup, Layer: -1}, nil
}

func (s *LoadSequence) loadLayer(objs []*memory.Object) (Step, error) {
	t := s.t
	i := s.layer
	if err := t.checkObjects(i, objs); err != nil {
		return Step{}, err
	}

	if t.sync {
		if err := t.dc.Primary.WaitStream(t.dc.Load); err != nil {
			return Step{}, err
		}
	}
	if i > 0 {
		s.conn.logger.Debug("finished loading layer", "layer", i-1)
	}

	layer := t.entry.Layer(i)
	for j, obj := range objs {
		src := obj.Tensor()
		if t.staging != nil {
			dst, err := t.stagingSlice(j)
			if err != nil {
				return Step{}, fmt.Errorf("%w: %w", ErrPrecondition, err)
			}
			if err := t.stream.Enqueue(func() error {
				return dst.CopyFrom(src)
			}); err != nil {
				return Step{}, err
			}
			continue
		}
		slots := t.mapping[t.chunks[j].Start:t.chunks[j].End]
		if err := t.stream.Enqueue(func() error {
			return paged.TransferLayer(src, layer, slots, paged.ToPaged)
		}); err != nil {
			return Step{}, err
		}
	}
	if t.staging != nil {
		buf := t.staging.Tensor()
		if err := t.stream.Enqueue(func() error {
			return paged.TransferLayer(buf, layer, t.full, paged.ToPaged)
		}); err != nil {
			return Step{}, err
		}
	}

	s.conn.layersLoaded.Add(1)
	s.conn.tokensLoaded.Add(int64(len(t.full)))

	s.layer++
	if s.layer == s.conn.cfg.NumLayers {
		s.phase = PhaseFinal
	}
	return Step{Phase: PhaseLayer, Layer: i}, nil
}

func (s *LoadSequence) finish(objs []*memory.Object) (Step, error) {
	if objs != nil {
		return Step{}, fmt.Errorf("%w: final step takes no memory objects", ErrPrecondition)
	}
	t := s.t
	if t.sync {
		if err := t.dc.Primary.WaitStream(t.dc.Load); err != nil {
			return Step{}, err
		}
	}
	if err := t.drain(); err != nil {
		return Step{}, err
	}
	if s.conn.cfg.NumLayers > 0 {
		s.conn.logger.Debug("finished loading layer", "layer", s.conn.cfg.NumLayers-1)
	}

	s.t = nil
	s.phase = PhaseDone
	return Step{Phase: PhaseFinal, Layer: -1, Done: true}, nil
}
