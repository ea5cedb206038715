package backend

import "github.com/openinfer/modelfront/internal/backend/pb"

// ChatParams are the per-request generation parameters sent on the first
// stream message. Numeric ranges are clamped before send regardless of what
// the client asked for.
type ChatParams struct {
	Prompt           []byte
	MaxTokens        int32
	Stop             []string
	TopP             float64
	Temperature      float64
	PresencePenalty  float64
	FrequencyPenalty float64
	Seed             uint64
	EncodedFiles     [][]byte
	Stream           bool
}

func clamp(v, lo, hi float64) float32 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}

	return float32(v)
}

// BuildInputs assembles the input tensors of a chat request. Tensor names
// and shapes are the contract with the backend.
func BuildInputs(p ChatParams) []*pb.InferInputTensor {
	maxTokens := p.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	inputs := []*pb.InferInputTensor{
		{
			Name:     "text_input",
			Datatype: "BYTES",
			Shape:    []int64{1, 1},
			Contents: &pb.InferTensorContents{BytesContents: [][]byte{p.Prompt}},
		},
		{
			Name:     "max_tokens",
			Datatype: "INT32",
			Shape:    []int64{1, 1},
			Contents: &pb.InferTensorContents{IntContents: []int32{maxTokens}},
		},
	}

	if len(p.EncodedFiles) > 0 {
		inputs = append(inputs, &pb.InferInputTensor{
			Name:     "encoded_files",
			Datatype: "BYTES",
			Shape:    []int64{int64(len(p.EncodedFiles)), 1},
			Contents: &pb.InferTensorContents{BytesContents: p.EncodedFiles},
		})
	}

	if len(p.Stop) > 0 {
		stops := make([][]byte, len(p.Stop))
		for i, s := range p.Stop {
			stops[i] = []byte(s)
		}
		inputs = append(inputs, &pb.InferInputTensor{
			Name:     "stop_words",
			Datatype: "BYTES",
			Shape:    []int64{1, int64(len(stops))},
			Contents: &pb.InferTensorContents{BytesContents: stops},
		})
	}

	for _, param := range []struct {
		name   string
		value  float64
		lo, hi float64
	}{
		{"top_p", p.TopP, 0, 1},
		{"temperature", p.Temperature, 0, 2},
		{"presence_penalty", p.PresencePenalty, -2, 2},
		{"frequency_penalty", p.FrequencyPenalty, -2, 2},
	} {
		inputs = append(inputs, &pb.InferInputTensor{
			Name:     param.name,
			Datatype: "FP32",
			Shape:    []int64{1, 1},
			Contents: &pb.InferTensorContents{Fp32Contents: []float32{clamp(param.value, param.lo, param.hi)}},
		})
	}

	inputs = append(inputs,
		&pb.InferInputTensor{
			Name:     "random_seed",
			Datatype: "UINT64",
			Shape:    []int64{1, 1},
			Contents: &pb.InferTensorContents{Uint64Contents: []uint64{p.Seed}},
		},
		&pb.InferInputTensor{
			Name:     "stream",
			Datatype: "BOOL",
			Shape:    []int64{1, 1},
			Contents: &pb.InferTensorContents{BoolContents: []bool{p.Stream}},
		},
	)

	return inputs
}
