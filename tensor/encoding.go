package tensor

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of a serialized tensor. Unknown fields are skipped on decode so
// the format can grow.
const (
	fieldDType   protowire.Number = 1
	fieldShape   protowire.Number = 2
	fieldFloat32 protowire.Number = 3
	fieldInt32   protowire.Number = 4
)

// FileExtension is used for spectrogram tensors written to disk.
const FileExtension = ".tensor"

// MarshalBinary encodes the tensor as a protobuf message.
func (t *Tensor) MarshalBinary() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldDType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DType))

	var shape []byte
	for _, d := range t.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	switch t.DType {
	case Float32:
		data := t.Data.([]float32)
		payload := make([]byte, 0, len(data)*4)
		for _, v := range data {
			payload = protowire.AppendFixed32(payload, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, fieldFloat32, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	case Int32:
		data := t.Data.([]int32)
		var payload []byte
		for _, v := range data {
			payload = protowire.AppendVarint(payload, protowire.EncodeZigZag(int64(v)))
		}
		b = protowire.AppendTag(b, fieldInt32, protowire.BytesType)
		b = protowire.AppendBytes(b, payload)
	default:
		return nil, fmt.Errorf("unsupported dtype for encoding: %s", t.DType)
	}
	return b, nil
}

// Unmarshal decodes a tensor produced by MarshalBinary onto the CPU.
func Unmarshal(b []byte) (*Tensor, error) {
	var (
		dtype  DType
		shape  []int
		floats []float32
		ints   []int32
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("decode tag: %w", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldDType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("decode dtype: %w", protowire.ParseError(n))
			}
			dtype = DType(v)
			b = b[n:]
		case num == fieldShape && typ == protowire.BytesType:
			payload, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode shape: %w", protowire.ParseError(n))
			}
			for len(payload) > 0 {
				v, m := protowire.ConsumeVarint(payload)
				if m < 0 {
					return nil, fmt.Errorf("decode shape: %w", protowire.ParseError(m))
				}
				shape = append(shape, int(v))
				payload = payload[m:]
			}
			b = b[n:]
		case num == fieldFloat32 && typ == protowire.BytesType:
			payload, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode data: %w", protowire.ParseError(n))
			}
			if len(payload)%4 != 0 {
				return nil, fmt.Errorf("decode data: float32 payload of %d bytes", len(payload))
			}
			floats = make([]float32, 0, len(payload)/4)
			for len(payload) > 0 {
				v, m := protowire.ConsumeFixed32(payload)
				if m < 0 {
					return nil, fmt.Errorf("decode data: %w", protowire.ParseError(m))
				}
				floats = append(floats, math.Float32frombits(v))
				payload = payload[m:]
			}
			b = b[n:]
		case num == fieldInt32 && typ == protowire.BytesType:
			payload, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("decode data: %w", protowire.ParseError(n))
			}
			for len(payload) > 0 {
				v, m := protowire.ConsumeVarint(payload)
				if m < 0 {
					return nil, fmt.Errorf("decode data: %w", protowire.ParseError(m))
				}
				ints = append(ints, int32(protowire.DecodeZigZag(v)))
				payload = payload[m:]
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("skip field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if len(shape) == 0 {
		return nil, fmt.Errorf("decode: missing shape")
	}

	switch dtype {
	case Float32:
		return NewTensor(shape, Float32, CPU, floats)
	case Int32:
		return NewTensor(shape, Int32, CPU, ints)
	default:
		return nil, fmt.Errorf("decode: unsupported dtype %d", dtype)
	}
}

// Save writes the tensor to path, creating parent directories.
func Save(t *Tensor, path string) error {
	b, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, b, 0644)
}

// Load reads a tensor written by Save.
func Load(path string) (*Tensor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	t, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
