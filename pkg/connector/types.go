// Package connector moves per-layer KV data between a paged device cache and
// memory objects, pipelined over dedicated load and store streams.
//
// Transfers are exposed as step sequences: the caller drives a LoadSequence
// or StoreSequence one call per suspension point, so copies for layer N+1 can
// be in flight while the host engine consumes layer N.
package connector

import (
	"errors"
	"fmt"

	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

var (
	ErrConfig       = errors.New("connector configuration error")
	ErrPrecondition = errors.New("connector precondition violated")
	ErrAllocation   = errors.New("staging buffer allocation failed")
	ErrUnsupported  = errors.New("unsupported connector feature")
	ErrSequenceDone = errors.New("transfer sequence already finished")
)

// Kind selects how the connector addresses the paged cache.
type Kind int

const (
	PagedSingleBuffer Kind = iota
	PagedLayerwise
)

func (k Kind) String() string {
	switch k {
	case PagedSingleBuffer:
		return "paged"
	case PagedLayerwise:
		return "paged-layerwise"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Heads selects the K/V head layout of the paged cache.
type Heads int

const (
	CombinedHead Heads = iota // single buffer (MLA)
	SplitHead                 // separate K and V
)

func (h Heads) String() string {
	switch h {
	case CombinedHead:
		return "combined-head"
	case SplitHead:
		return "split-head"
	default:
		return fmt.Sprintf("heads(%d)", int(h))
	}
}

// Variant is the connector flavour, selected once at startup.
type Variant struct {
	Kind  Kind
	Heads Heads
}

// SelectVariant maps host engine flags to a variant.
func SelectVariant(layerwise, useMLA bool) Variant {
	v := Variant{Kind: PagedSingleBuffer, Heads: SplitHead}
	if layerwise {
		v.Kind = PagedLayerwise
	}
	if useMLA {
		v.Heads = CombinedHead
	}
	return v
}

// Supported reports whether this backend can transfer with the variant.
func (v Variant) Supported() bool {
	return v.Kind == PagedLayerwise && v.Heads == SplitHead
}

func (v Variant) String() string {
	return v.Kind.String() + "/" + v.Heads.String()
}

// SyncMode says whether the primary stream must wait on transfer work at
// each layer boundary. It must be set explicitly for every transfer.
type SyncMode int

const (
	SyncUnspecified SyncMode = iota
	SyncBlocking
	SyncAsync
)

func (m SyncMode) String() string {
	switch m {
	case SyncBlocking:
		return "sync"
	case SyncAsync:
		return "async"
	default:
		return "unspecified"
	}
}

// Chunk is a [Start, End) token range inside one slot mapping.
type Chunk struct {
	Start int
	End   int
}

// Len returns the number of tokens in the chunk.
func (c Chunk) Len() int {
	return c.End - c.Start
}

// TransferParams are the per-call inputs shared by both directions.
type TransferParams struct {
	// SlotMapping is a 1-D INT64 tensor mapping token positions to paged
	// cache slots. Required.
	SlotMapping *tensor.Tensor
	// Sync is required; SyncUnspecified is a configuration error.
	Sync SyncMode
	// KVCaches replaces the connector's per-layer cache tensors when set.
	KVCaches []*tensor.Tensor
}

// ConcatSlotMapping validates chunks against the mapping and returns the
// slices of mapping for each chunk, concatenated in chunk order.
func ConcatSlotMapping(mapping []int64, chunks []Chunk) ([]int64, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: no chunks", ErrPrecondition)
	}
	total := 0
	for i, c := range chunks {
		if c.Start < 0 || c.Start >= c.End {
			return nil, fmt.Errorf("%w: chunk %d has start %d, end %d", ErrPrecondition, i, c.Start, c.End)
		}
		if c.End > len(mapping) {
			return nil, fmt.Errorf("%w: chunk %d ends at %d past slot mapping of %d", ErrPrecondition, i, c.End, len(mapping))
		}
		total += c.Len()
	}

	out := make([]int64, 0, total)
	for _, c := range chunks {
		out = append(out, mapping[c.Start:c.End]...)
	}
	return out, nil
}

// Phase is the position of a transfer sequence.
type Phase int

const (
	PhaseSetup Phase = iota
	PhaseLayer
	PhaseFinal
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseSetup:
		return "setup"
	case PhaseLayer:
		return "layer"
	case PhaseFinal:
		return "final"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Step reports what one call to Next did.
type Step struct {
	Phase Phase
	Layer int  // layer issued, -1 outside PhaseLayer
	Done  bool // terminal step
}

// Stats contains connector statistics.
type Stats struct {
	LoadCalls      int64
	StoreCalls     int64
	LayersLoaded   int64
	LayersStored   int64
	TokensLoaded   int64
	TokensStored   int64
	StagingAllocs  int64
	FailedSequence int64
}
