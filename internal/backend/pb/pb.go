// Package pb carries the subset of the inference server's gRPC protocol this
// gateway speaks. The messages are encoded with the official protobuf wire
// package instead of protoc-generated bindings: only seven shapes of the
// protocol are used and the frames are small enough to encode directly.
package pb

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Fully qualified method names of the protocol.
const (
	MethodModelInfer       = "/inference.GRPCInferenceService/ModelInfer"
	MethodModelStreamInfer = "/inference.GRPCInferenceService/ModelStreamInfer"
)

// Message is implemented by every wire type in this package.
type Message interface {
	MarshalProto() ([]byte, error)
	UnmarshalProto(data []byte) error
}

// InferTensorContents holds typed tensor payloads.
type InferTensorContents struct {
	BoolContents   []bool    // field 1
	IntContents    []int32   // field 2
	Int64Contents  []int64   // field 3
	UintContents   []uint32  // field 4
	Uint64Contents []uint64  // field 5
	Fp32Contents   []float32 // field 6
	Fp64Contents   []float64 // field 7
	BytesContents  [][]byte  // field 8
}

func (c *InferTensorContents) MarshalProto() ([]byte, error) {
	var b []byte

	if len(c.BoolContents) > 0 {
		var packed []byte
		for _, v := range c.BoolContents {
			n := uint64(0)
			if v {
				n = 1
			}
			packed = protowire.AppendVarint(packed, n)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(c.IntContents) > 0 {
		var packed []byte
		// Negative int32 values sign-extend to 64 bits on the wire.
		for _, v := range c.IntContents {
			packed = protowire.AppendVarint(packed, uint64(int64(v)))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(c.Int64Contents) > 0 {
		var packed []byte
		for _, v := range c.Int64Contents {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(c.UintContents) > 0 {
		var packed []byte
		for _, v := range c.UintContents {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(c.Uint64Contents) > 0 {
		var packed []byte
		for _, v := range c.Uint64Contents {
			packed = protowire.AppendVarint(packed, v)
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(c.Fp32Contents) > 0 {
		var packed []byte
		for _, v := range c.Fp32Contents {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if len(c.Fp64Contents) > 0 {
		var packed []byte
		for _, v := range c.Fp64Contents {
			packed = protowire.AppendFixed64(packed, math.Float64bits(v))
		}
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	for _, v := range c.BytesContents {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, v)
	}

	return b, nil
}

func (c *InferTensorContents) UnmarshalProto(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return protowire.ParseError(vn)
				}
				packed = packed[vn:]
				c.BoolContents = append(c.BoolContents, v != 0)
			}

		case num == 2 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return protowire.ParseError(vn)
				}
				packed = packed[vn:]
				c.IntContents = append(c.IntContents, int32(v))
			}

		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			c.IntContents = append(c.IntContents, int32(v))

		case num == 5 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return protowire.ParseError(vn)
				}
				packed = packed[vn:]
				c.Uint64Contents = append(c.Uint64Contents, v)
			}

		case num == 6 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) >= 4 {
				v, vn := protowire.ConsumeFixed32(packed)
				if vn < 0 {
					return protowire.ParseError(vn)
				}
				packed = packed[vn:]
				c.Fp32Contents = append(c.Fp32Contents, math.Float32frombits(v))
			}

		case num == 8 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			c.BytesContents = append(c.BytesContents, append([]byte(nil), v...))

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return nil
}

// InferInputTensor is one named request tensor.
type InferInputTensor struct {
	Name     string               // field 1
	Datatype string               // field 2
	Shape    []int64              // field 3
	Contents *InferTensorContents // field 5
}

func (t *InferInputTensor) MarshalProto() ([]byte, error) {
	var b []byte

	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, t.Datatype)

	if len(t.Shape) > 0 {
		var packed []byte
		for _, v := range t.Shape {
			packed = protowire.AppendVarint(packed, uint64(v))
		}
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}

	if t.Contents != nil {
		inner, err := t.Contents.MarshalProto()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}

	return b, nil
}

// InferRequestedOutputTensor names an output the caller wants back.
type InferRequestedOutputTensor struct {
	Name string // field 1
}

func (t *InferRequestedOutputTensor) MarshalProto() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, t.Name)

	return b, nil
}

// ModelInferRequest is the unary and per-stream-message request frame.
type ModelInferRequest struct {
	ModelName string                        // field 1
	ID        string                        // field 3
	Inputs    []*InferInputTensor           // field 5
	Outputs   []*InferRequestedOutputTensor // field 6
}

func (r *ModelInferRequest) MarshalProto() ([]byte, error) {
	var b []byte

	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.ModelName)

	if r.ID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, r.ID)
	}

	for _, in := range r.Inputs {
		inner, err := in.MarshalProto()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}

	for _, out := range r.Outputs {
		inner, err := out.MarshalProto()
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, inner)
	}

	return b, nil
}

func (r *ModelInferRequest) UnmarshalProto(data []byte) error {
	return fmt.Errorf("ModelInferRequest is send-only")
}

// InferOutputTensor is one named response tensor.
type InferOutputTensor struct {
	Name     string               // field 1
	Datatype string               // field 2
	Shape    []int64              // field 3
	Contents *InferTensorContents // field 5
}

func (t *InferOutputTensor) UnmarshalProto(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			t.Name = v

		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			t.Datatype = v

		case num == 3 && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			for len(packed) > 0 {
				v, vn := protowire.ConsumeVarint(packed)
				if vn < 0 {
					return protowire.ParseError(vn)
				}
				packed = packed[vn:]
				t.Shape = append(t.Shape, int64(v))
			}

		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			t.Shape = append(t.Shape, int64(v))

		case num == 5 && typ == protowire.BytesType:
			inner, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			t.Contents = &InferTensorContents{}
			if err := t.Contents.UnmarshalProto(inner); err != nil {
				return err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return nil
}

// ModelInferResponse is the unary and per-stream-message response frame.
type ModelInferResponse struct {
	ModelName         string               // field 1
	ID                string               // field 3
	Outputs           []*InferOutputTensor // field 5
	RawOutputContents [][]byte             // field 6
}

func (r *ModelInferResponse) MarshalProto() ([]byte, error) {
	return nil, fmt.Errorf("ModelInferResponse is receive-only")
}

func (r *ModelInferResponse) UnmarshalProto(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			r.ModelName = v

		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			r.ID = v

		case num == 5 && typ == protowire.BytesType:
			inner, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			out := &InferOutputTensor{}
			if err := out.UnmarshalProto(inner); err != nil {
				return err
			}
			r.Outputs = append(r.Outputs, out)

		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			r.RawOutputContents = append(r.RawOutputContents, append([]byte(nil), v...))

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return nil
}

// Output returns the named output tensor, or nil.
func (r *ModelInferResponse) Output(name string) *InferOutputTensor {
	for _, out := range r.Outputs {
		if out.Name == name {
			return out
		}
	}

	return nil
}

// OutputBytes returns the byte elements of the named BYTES output, resolving
// either typed contents or the raw buffer (4-byte little-endian length
// framing per element).
func (r *ModelInferResponse) OutputBytes(name string) [][]byte {
	for i, out := range r.Outputs {
		if out.Name != name {
			continue
		}

		if out.Contents != nil && len(out.Contents.BytesContents) > 0 {
			return out.Contents.BytesContents
		}

		if i < len(r.RawOutputContents) {
			return splitRawBytes(r.RawOutputContents[i])
		}
	}

	return nil
}

// OutputInts returns the integer elements of the named INT32/INT64 output.
func (r *ModelInferResponse) OutputInts(name string) []int64 {
	for i, out := range r.Outputs {
		if out.Name != name {
			continue
		}

		if out.Contents != nil {
			if len(out.Contents.IntContents) > 0 {
				res := make([]int64, len(out.Contents.IntContents))
				for j, v := range out.Contents.IntContents {
					res[j] = int64(v)
				}

				return res
			}
			if len(out.Contents.Int64Contents) > 0 {
				return out.Contents.Int64Contents
			}
		}

		if i < len(r.RawOutputContents) {
			return splitRawInts(r.RawOutputContents[i], out.Datatype)
		}
	}

	return nil
}

// OutputFloats returns the float32 elements of the named FP32 output.
func (r *ModelInferResponse) OutputFloats(name string) []float32 {
	for i, out := range r.Outputs {
		if out.Name != name {
			continue
		}

		if out.Contents != nil && len(out.Contents.Fp32Contents) > 0 {
			return out.Contents.Fp32Contents
		}

		if i < len(r.RawOutputContents) {
			return splitRawFloats(r.RawOutputContents[i])
		}
	}

	return nil
}

// ModelStreamInferResponse wraps a response frame on the streaming method.
type ModelStreamInferResponse struct {
	ErrorMessage  string              // field 1
	InferResponse *ModelInferResponse // field 2
}

func (r *ModelStreamInferResponse) MarshalProto() ([]byte, error) {
	return nil, fmt.Errorf("ModelStreamInferResponse is receive-only")
}

func (r *ModelStreamInferResponse) UnmarshalProto(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			r.ErrorMessage = v

		case num == 2 && typ == protowire.BytesType:
			inner, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
			r.InferResponse = &ModelInferResponse{}
			if err := r.InferResponse.UnmarshalProto(inner); err != nil {
				return err
			}

		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	return nil
}
