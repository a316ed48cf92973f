// Package serde serializes memory objects for host-side storage.
//
// Every encoded object is a msgpack envelope carrying the tensor metadata,
// the codec name, a CRC32 of the raw bytes and the codec payload.
package serde

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/marcobarlo/LMCache-Ascend/pkg/memory"
	"github.com/marcobarlo/LMCache-Ascend/pkg/tensor"
)

var (
	ErrUnknownCodec     = errors.New("unknown serde codec")
	ErrInvalidInput     = errors.New("invalid input data")
	ErrCompressFailed   = errors.New("compression failed")
	ErrDecompressFailed = errors.New("decompression failed")
	ErrChecksum         = errors.New("checksum mismatch")
)

const envelopeVersion = 1

// Codec transforms raw tensor bytes.
type Codec interface {
	Name() string
	// Compress returns the payload for raw, or ok=false when the codec
	// cannot shrink it and the raw bytes should be stored instead.
	Compress(raw []byte) (payload []byte, ok bool, err error)
	Decompress(payload []byte, rawSize int) ([]byte, error)
}

// envelope is the wire format of an encoded memory object.
type envelope struct {
	Version  uint8  `msgpack:"v"`
	Codec    string `msgpack:"c"`
	Format   string `msgpack:"f"`
	DType    string `msgpack:"d"`
	Shape    []int  `msgpack:"s"`
	RawSize  int    `msgpack:"n"`
	Checksum uint32 `msgpack:"x"`
	Payload  []byte `msgpack:"p"`
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (Codec, error) {
	switch name {
	case "naive", "":
		return naiveCodec{}, nil
	case "lz4":
		return NewLZ4Codec(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Serializer encodes memory objects with one codec and decodes objects
// written by any known codec.
type Serializer struct {
	codec Codec
}

// NewSerializer creates a serializer for the named codec.
func NewSerializer(name string) (*Serializer, error) {
	c, err := NewCodec(name)
	if err != nil {
		return nil, err
	}
	return &Serializer{codec: c}, nil
}

// Name returns the codec name.
func (s *Serializer) Name() string {
	return s.codec.Name()
}

// Serialize encodes obj. The object is only read.
func (s *Serializer) Serialize(obj *memory.Object) ([]byte, error) {
	t := obj.Tensor()
	raw := t.Bytes()

	env := envelope{
		Version:  envelopeVersion,
		Codec:    s.codec.Name(),
		Format:   obj.Format().String(),
		DType:    t.DType().String(),
		Shape:    t.Shape(),
		RawSize:  len(raw),
		Checksum: crc32.ChecksumIEEE(raw),
	}

	payload, ok, err := s.codec.Compress(raw)
	if err != nil {
		return nil, err
	}
	if !ok {
		env.Codec = naiveCodec{}.Name()
		payload = raw
	}
	env.Payload = payload

	return msgpack.Marshal(&env)
}

// Deserialize decodes data into a new object taken from alloc.
func (s *Serializer) Deserialize(data []byte, alloc memory.Allocator) (*memory.Object, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d", ErrInvalidInput, env.Version)
	}

	codec, err := NewCodec(env.Codec)
	if err != nil {
		return nil, err
	}
	format, err := memory.ParseFormat(env.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	dtype, err := tensor.ParseDType(env.DType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	shape := tensor.Shape(env.Shape)
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("%w: shape %v", ErrInvalidInput, shape)
		}
	}
	if shape.NumElements()*dtype.Size() != env.RawSize {
		return nil, fmt.Errorf("%w: %d bytes for %v %v", ErrInvalidInput, env.RawSize, shape, dtype)
	}

	raw, err := codec.Decompress(env.Payload, env.RawSize)
	if err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(raw) != env.Checksum {
		return nil, ErrChecksum
	}

	obj, err := alloc.Allocate(shape, dtype, format)
	if err != nil {
		return nil, err
	}
	copy(obj.Tensor().Bytes(), raw)
	return obj, nil
}

// naiveCodec stores raw bytes.
type naiveCodec struct{}

func (naiveCodec) Name() string { return "naive" }

func (naiveCodec) Compress(raw []byte) ([]byte, bool, error) {
	return raw, true, nil
}

func (naiveCodec) Decompress(payload []byte, rawSize int) ([]byte, error) {
	if len(payload) != rawSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidInput, len(payload), rawSize)
	}
	return payload, nil
}
