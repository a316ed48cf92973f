package connector

import (
	"fmt"

	"github.com/marcobarlo/LMCache-Ascend/pkg/device"
	"github.com/marcobarlo/LMCache-Ascend/pkg/memory"
	"github.com/marcobarlo/LMCache-Ascend/pkg/paged"
)

// StoreSequence copies the paged cache into memory objects one layer per
// step. All inputs are validated when the sequence is created; the first
// call to Next issues layer 0.
//
// It takes exactly NumLayers+1 successful calls to Next. Call k waits for
// layer k-2 when sync is requested and then issues layer k-1; the last call
// waits for the last layer and releases the staging buffer.
type StoreSequence struct {
	conn *LayerwiseConnector
	objs [][]*memory.Object

	t     *transfer
	phase Phase
	layer int
	err   error
}

// BatchedFromDevice prepares a store of the token range described by chunks
// into objs, indexed by layer then chunk.
func (c *LayerwiseConnector) BatchedFromDevice(dc *device.Context, objs [][]*memory.Object, chunks []Chunk, params TransferParams) (*StoreSequence, error) {
	c.storeCalls.Add(1)

	t, err := c.prepare(dc, paged.FromPaged, chunks, params)
	if err != nil {
		c.failedSequence.Add(1)
		return nil, err
	}
	if len(objs) != c.cfg.NumLayers {
		c.failedSequence.Add(1)
		return nil, fmt.Errorf("%w: memory objects for %d layers, connector has %d", ErrPrecondition, len(objs), c.cfg.NumLayers)
	}
	for i, layer := range objs {
		if err := t.checkObjects(i, layer); err != nil {
			c.failedSequence.Add(1)
			return nil, err
		}
	}
	if err := t.allocateStaging(); err != nil {
		c.failedSequence.Add(1)
		return nil, err
	}

	c.logger.Debug("store setup",
		"tokens", len(t.full),
		"chunks", len(t.chunks),
		"staging", t.staging != nil,
		"sync", params.Sync)

	return &StoreSequence{
		conn:  c,
		objs:  objs,
		t:     t,
		phase: PhaseLayer,
	}, nil
}

// Phase returns the phase the next call to Next will run.
func (s *StoreSequence) Phase() Phase {
	if s.phase == PhaseLayer && s.layer == s.conn.cfg.NumLayers {
		return PhaseFinal
	}
	return s.phase
}

// Next advances the sequence.
func (s *StoreSequence) Next() (Step, error) {
	if s.err != nil {
		return Step{}, s.err
	}
	if s.phase == PhaseDone {
		return Step{}, ErrSequenceDone
	}

	step, err := s.advance()
	if err != nil {
		s.phase = PhaseDone
		s.err = s.t.fail(err)
		s.t = nil
		return Step{}, s.err
	}
	return step, nil
}

func (s *StoreSequence) advance() (Step, error) {
	t := s.t
	if s.layer > 0 {
		if t.sync {
			if err := t.dc.Store.Synchronize(); err != nil {
				return Step{}, err
			}
		}
		s.conn.logger.Debug("finished offloading layer", "layer", s.layer-1)
	}

	if s.layer < s.conn.cfg.NumLayers {
		i := s.layer
		if err := s.storeLayer(i); err != nil {
			return Step{}, err
		}
		s.layer++
		return Step{Phase: PhaseLayer, Layer: i}, nil
	}

	if err := t.drain(); err != nil {
		return Step{}, err
	}
	s.t = nil
	s.phase = PhaseDone
	return Step{Phase: PhaseFinal, Layer: -1, Done: true}, nil
}

func (s *StoreSequence) storeLayer(i int) error {
	t := s.t
	layer := t.entry.Layer(i)

	if err := t.stream.WaitStream(t.dc.Primary); err != nil {
		return err
	}
	if t.staging != nil {
		buf := t.staging.Tensor()
		if err := t.stream.Enqueue(func() error {
			return paged.TransferLayer(buf, layer, t.full, paged.FromPaged)
		}); err != nil {
			return err
		}
	}
	for j, obj := range s.objs[i] {
		dst := obj.Tensor()
		if t.staging != nil {
			src, err := t.stagingSlice(j)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrPrecondition, err)
			}
			if err := t.stream.Enqueue(func() error {
				return dst.CopyFrom(src)
			}); err != nil {
				return err
			}
			continue
		}
		slots := t.mapping[t.chunks[j].Start:t.chunks[j].End]
		if err := t.stream.Enqueue(func() error {
			return paged.TransferLayer(dst, layer, slots, paged.FromPaged)
		}); err != nil {
			return err
		}
	}

	s.conn.layersStored.Add(1)
	s.conn.tokensStored.Add(int64(len(t.full)))
	return nil
}
