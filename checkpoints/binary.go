package checkpoints

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the binary checkpoint message.
//
//	Checkpoint     { 1 epoch; 2 repeated TensorRecord model; 3 OptimizerState; 4 LossState; 5 Metadata }
//	TensorRecord   { 1 name; 2 packed shape; 3 packed fixed32 data }
//	OptimizerState { 1 type; 2 lr (fixed64); 3 step; 4 repeated Param; 5 repeated TensorRecord }
//	LossState      { 1 name; 2 repeated Param }
//	Param          { 1 key; 2 value (fixed64) }
//	Metadata       { 1 version; 2 framework; 3 created (unix nanos); 4 run id; 5 description; 6 repeated tag }
const (
	ckEpoch     protowire.Number = 1
	ckModel     protowire.Number = 2
	ckOptimizer protowire.Number = 3
	ckLoss      protowire.Number = 4
	ckMetadata  protowire.Number = 5
)

func marshalBinary(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, ckEpoch, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Epoch))

	for _, r := range c.ModelState {
		b = appendMessage(b, ckModel, appendTensorRecord(nil, r))
	}
	b = appendMessage(b, ckOptimizer, appendOptimizer(nil, c.Optimizer))
	b = appendMessage(b, ckLoss, appendLoss(nil, c.Loss))
	b = appendMessage(b, ckMetadata, appendMetadata(nil, c.Metadata))
	return b, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendTensorRecord(b []byte, r TensorRecord) []byte {
	b = appendString(b, 1, r.Name)

	var shape []byte
	for _, d := range r.Shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = appendMessage(b, 2, shape)

	data := make([]byte, 0, len(r.Data)*4)
	for _, v := range r.Data {
		data = protowire.AppendFixed32(data, math.Float32bits(v))
	}
	return appendMessage(b, 3, data)
}

// appendParams writes map entries sorted by key so equal states encode identically.
func appendParams(b []byte, num protowire.Number, params map[string]float64) []byte {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		var entry []byte
		entry = appendString(entry, 1, k)
		entry = appendDouble(entry, 2, params[k])
		b = appendMessage(b, num, entry)
	}
	return b
}

func appendOptimizer(b []byte, o OptimizerState) []byte {
	b = appendString(b, 1, o.Type)
	b = appendDouble(b, 2, o.LearningRate)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(o.StepCount))
	b = appendParams(b, 4, o.Parameters)
	for _, r := range o.StateData {
		b = appendMessage(b, 5, appendTensorRecord(nil, r))
	}
	return b
}

func appendLoss(b []byte, l LossState) []byte {
	b = appendString(b, 1, l.Name)
	return appendParams(b, 2, l.Parameters)
}

func appendMetadata(b []byte, m Metadata) []byte {
	b = appendString(b, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 4, m.RunID)
	b = appendString(b, 5, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

// field is one decoded (number, value) pair. Only one of the value slots is
// set depending on the wire type.
type field struct {
	num    protowire.Number
	varint uint64
	fixed  uint64
	bytes  []byte
}

// fields splits a message into its top-level fields.
func fields(b []byte) ([]field, error) {
	var out []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num}
		switch typ {
		case protowire.VarintType:
			f.varint, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			f.fixed, n = protowire.ConsumeFixed64(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.fixed = uint64(v)
		case protowire.BytesType:
			f.bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

func unmarshalBinary(b []byte) (*Checkpoint, error) {
	fs, err := fields(b)
	if err != nil {
		return nil, err
	}

	c := &Checkpoint{}
	for _, f := range fs {
		switch f.num {
		case ckEpoch:
			c.Epoch = int(f.varint)
		case ckModel:
			r, err := decodeTensorRecord(f.bytes)
			if err != nil {
				return nil, fmt.Errorf("model state: %w", err)
			}
			c.ModelState = append(c.ModelState, r)
		case ckOptimizer:
			if c.Optimizer, err = decodeOptimizer(f.bytes); err != nil {
				return nil, fmt.Errorf("optimizer state: %w", err)
			}
		case ckLoss:
			if c.Loss, err = decodeLoss(f.bytes); err != nil {
				return nil, fmt.Errorf("loss state: %w", err)
			}
		case ckMetadata:
			if c.Metadata, err = decodeMetadata(f.bytes); err != nil {
				return nil, fmt.Errorf("metadata: %w", err)
			}
		}
	}
	return c, nil
}

func decodeTensorRecord(b []byte) (TensorRecord, error) {
	fs, err := fields(b)
	if err != nil {
		return TensorRecord{}, err
	}

	var r TensorRecord
	for _, f := range fs {
		switch f.num {
		case 1:
			r.Name = string(f.bytes)
		case 2:
			p := f.bytes
			for len(p) > 0 {
				v, n := protowire.ConsumeVarint(p)
				if n < 0 {
					return r, protowire.ParseError(n)
				}
				r.Shape = append(r.Shape, int(v))
				p = p[n:]
			}
		case 3:
			p := f.bytes
			if len(p)%4 != 0 {
				return r, fmt.Errorf("tensor %s: data length %d not a multiple of 4", r.Name, len(p))
			}
			r.Data = make([]float32, 0, len(p)/4)
			for len(p) > 0 {
				v, n := protowire.ConsumeFixed32(p)
				if n < 0 {
					return r, protowire.ParseError(n)
				}
				r.Data = append(r.Data, math.Float32frombits(v))
				p = p[n:]
			}
		}
	}
	return r, nil
}

func decodeParam(b []byte) (string, float64, error) {
	fs, err := fields(b)
	if err != nil {
		return "", 0, err
	}
	var (
		key string
		val float64
	)
	for _, f := range fs {
		switch f.num {
		case 1:
			key = string(f.bytes)
		case 2:
			val = math.Float64frombits(f.fixed)
		}
	}
	return key, val, nil
}

func decodeOptimizer(b []byte) (OptimizerState, error) {
	fs, err := fields(b)
	if err != nil {
		return OptimizerState{}, err
	}

	var o OptimizerState
	for _, f := range fs {
		switch f.num {
		case 1:
			o.Type = string(f.bytes)
		case 2:
			o.LearningRate = math.Float64frombits(f.fixed)
		case 3:
			o.StepCount = int(f.varint)
		case 4:
			k, v, err := decodeParam(f.bytes)
			if err != nil {
				return o, err
			}
			if o.Parameters == nil {
				o.Parameters = make(map[string]float64)
			}
			o.Parameters[k] = v
		case 5:
			r, err := decodeTensorRecord(f.bytes)
			if err != nil {
				return o, err
			}
			o.StateData = append(o.StateData, r)
		}
	}
	return o, nil
}

func decodeLoss(b []byte) (LossState, error) {
	fs, err := fields(b)
	if err != nil {
		return LossState{}, err
	}

	var l LossState
	for _, f := range fs {
		switch f.num {
		case 1:
			l.Name = string(f.bytes)
		case 2:
			k, v, err := decodeParam(f.bytes)
			if err != nil {
				return l, err
			}
			if l.Parameters == nil {
				l.Parameters = make(map[string]float64)
			}
			l.Parameters[k] = v
		}
	}
	return l, nil
}

func decodeMetadata(b []byte) (Metadata, error) {
	fs, err := fields(b)
	if err != nil {
		return Metadata{}, err
	}

	var m Metadata
	for _, f := range fs {
		switch f.num {
		case 1:
			m.Version = string(f.bytes)
		case 2:
			m.Framework = string(f.bytes)
		case 3:
			m.CreatedAt = time.Unix(0, int64(f.varint)).UTC()
		case 4:
			m.RunID = string(f.bytes)
		case 5:
			m.Description = string(f.bytes)
		case 6:
			m.Tags = append(m.Tags, string(f.bytes))
		}
	}
	return m, nil
}
