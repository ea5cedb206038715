package pb

import (
	"bytes"
	"encoding/binary"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"
)

// buildStreamFrame hand-assembles a ModelStreamInferResponse the way the
// server side would, to exercise the decoder against independent encoding.
func buildStreamFrame(t *testing.T, errMsg string, outputName string, elems [][]byte) []byte {
	t.Helper()

	var frame []byte
	if errMsg != "" {
		frame = protowire.AppendTag(frame, 1, protowire.BytesType)
		frame = protowire.AppendString(frame, errMsg)

		return frame
	}

	var contents []byte
	for _, e := range elems {
		contents = protowire.AppendTag(contents, 8, protowire.BytesType)
		contents = protowire.AppendBytes(contents, e)
	}

	var tensor []byte
	tensor = protowire.AppendTag(tensor, 1, protowire.BytesType)
	tensor = protowire.AppendString(tensor, outputName)
	tensor = protowire.AppendTag(tensor, 2, protowire.BytesType)
	tensor = protowire.AppendString(tensor, "BYTES")
	tensor = protowire.AppendTag(tensor, 5, protowire.BytesType)
	tensor = protowire.AppendBytes(tensor, contents)

	var resp []byte
	resp = protowire.AppendTag(resp, 1, protowire.BytesType)
	resp = protowire.AppendString(resp, "test-model")
	resp = protowire.AppendTag(resp, 5, protowire.BytesType)
	resp = protowire.AppendBytes(resp, tensor)

	frame = protowire.AppendTag(frame, 2, protowire.BytesType)
	frame = protowire.AppendBytes(frame, resp)

	return frame
}

func TestStreamFrameRoundTrip(t *testing.T) {
	data := buildStreamFrame(t, "", "text_output", [][]byte{[]byte("hello"), []byte(" world")})

	var frame ModelStreamInferResponse
	if err := frame.UnmarshalProto(data); err != nil {
		t.Fatalf("UnmarshalProto: %v", err)
	}

	if frame.ErrorMessage != "" {
		t.Fatalf("error message = %q, want empty", frame.ErrorMessage)
	}
	if frame.InferResponse == nil {
		t.Fatal("infer response missing")
	}

	elems := frame.InferResponse.OutputBytes("text_output")
	if len(elems) != 2 || string(elems[0]) != "hello" || string(elems[1]) != " world" {
		t.Fatalf("output elems = %q", elems)
	}
}

func TestStreamFrameError(t *testing.T) {
	data := buildStreamFrame(t, "model exploded", "", nil)

	var frame ModelStreamInferResponse
	if err := frame.UnmarshalProto(data); err != nil {
		t.Fatalf("UnmarshalProto: %v", err)
	}

	if frame.ErrorMessage != "model exploded" {
		t.Fatalf("error message = %q", frame.ErrorMessage)
	}
}

func TestRequestMarshalParses(t *testing.T) {
	req := &ModelInferRequest{
		ModelName: "llama",
		ID:        "req-1",
		Inputs: []*InferInputTensor{{
			Name:     "text_input",
			Datatype: "BYTES",
			Shape:    []int64{1, 1},
			Contents: &InferTensorContents{BytesContents: [][]byte{[]byte("prompt")}},
		}, {
			Name:     "max_tokens",
			Datatype: "INT32",
			Shape:    []int64{1, 1},
			Contents: &InferTensorContents{IntContents: []int32{128}},
		}},
		Outputs: []*InferRequestedOutputTensor{{Name: "text_output"}},
	}

	data, err := req.MarshalProto()
	if err != nil {
		t.Fatalf("MarshalProto: %v", err)
	}

	// Walk the emitted frame and check the top-level field numbers.
	seen := map[protowire.Number]int{}
	rest := data
	for len(rest) > 0 {
		num, typ, n := protowire.ConsumeTag(rest)
		if n < 0 {
			t.Fatalf("bad tag in emitted frame")
		}
		rest = rest[n:]

		seen[num]++

		size := protowire.ConsumeFieldValue(num, typ, rest)
		if size < 0 {
			t.Fatalf("bad field %d in emitted frame", num)
		}
		rest = rest[size:]
	}

	if seen[1] != 1 || seen[3] != 1 || seen[5] != 2 || seen[6] != 1 {
		t.Fatalf("field counts = %v", seen)
	}
}

func TestContentsRoundTrip(t *testing.T) {
	in := &InferTensorContents{
		IntContents:    []int32{1, -2, 3},
		Uint64Contents: []uint64{42},
		Fp32Contents:   []float32{1.5, -0.25},
		BoolContents:   []bool{true, false},
		BytesContents:  [][]byte{[]byte("a"), []byte("bc")},
	}

	data, err := in.MarshalProto()
	if err != nil {
		t.Fatalf("MarshalProto: %v", err)
	}

	var out InferTensorContents
	if err := out.UnmarshalProto(data); err != nil {
		t.Fatalf("UnmarshalProto: %v", err)
	}

	if len(out.IntContents) != 3 || out.IntContents[1] != -2 {
		t.Fatalf("int contents = %v", out.IntContents)
	}
	if len(out.Uint64Contents) != 1 || out.Uint64Contents[0] != 42 {
		t.Fatalf("uint64 contents = %v", out.Uint64Contents)
	}
	if len(out.Fp32Contents) != 2 || out.Fp32Contents[0] != 1.5 {
		t.Fatalf("fp32 contents = %v", out.Fp32Contents)
	}
	if len(out.BoolContents) != 2 || !out.BoolContents[0] || out.BoolContents[1] {
		t.Fatalf("bool contents = %v", out.BoolContents)
	}
	if len(out.BytesContents) != 2 || !bytes.Equal(out.BytesContents[1], []byte("bc")) {
		t.Fatalf("bytes contents = %q", out.BytesContents)
	}
}

func TestOutputBytesRawFraming(t *testing.T) {
	// Raw BYTES framing: 4-byte little-endian length per element.
	var raw []byte
	for _, s := range []string{"one", "two"} {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		raw = append(raw, lenBuf[:]...)
		raw = append(raw, s...)
	}

	resp := &ModelInferResponse{
		Outputs:           []*InferOutputTensor{{Name: "text_output", Datatype: "BYTES"}},
		RawOutputContents: [][]byte{raw},
	}

	elems := resp.OutputBytes("text_output")
	if len(elems) != 2 || string(elems[0]) != "one" || string(elems[1]) != "two" {
		t.Fatalf("raw elems = %q", elems)
	}
}
