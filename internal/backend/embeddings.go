package backend

import (
	"context"
	"fmt"

	"github.com/openinfer/modelfront/internal/backend/pb"
)

// EmbedResult is the decoded output of one embeddings call.
type EmbedResult struct {
	Vectors      [][]float32
	PromptTokens int
}

// Embed performs a unary embeddings call: input_text bytes[1,K] in,
// embeddings fp32[1,K,D] and prompt_tokens out.
func Embed(ctx context.Context, addr, model string, inputs []string) (*EmbedResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs")
	}

	callCtx, cancel := context.WithTimeout(ctx, CollectTimeout)
	defer cancel()

	elems := make([][]byte, len(inputs))
	for i, t := range inputs {
		elems[i] = []byte(t)
	}

	req := &pb.ModelInferRequest{
		ModelName: model,
		Inputs: []*pb.InferInputTensor{{
			Name:     "input_text",
			Datatype: "BYTES",
			Shape:    []int64{1, int64(len(elems))},
			Contents: &pb.InferTensorContents{BytesContents: elems},
		}},
		Outputs: []*pb.InferRequestedOutputTensor{
			{Name: "embeddings"},
			{Name: "prompt_tokens"},
		},
	}

	resp, err := inferOnce(callCtx, addr, req)
	if err != nil {
		return nil, err
	}

	flat := resp.OutputFloats("embeddings")
	if len(flat) == 0 {
		return nil, fmt.Errorf("embeddings output missing for model %s", model)
	}

	// Shape is [1, K, D]; fall back to a single row when the tensor carries
	// no usable shape.
	dim := len(flat) / len(inputs)
	out := resp.Output("embeddings")
	if out != nil && len(out.Shape) == 3 && out.Shape[2] > 0 {
		dim = int(out.Shape[2])
	}
	if dim == 0 || len(flat)%dim != 0 {
		return nil, fmt.Errorf("embeddings output has unexpected length %d for %d inputs", len(flat), len(inputs))
	}

	result := &EmbedResult{}
	for i := 0; i+dim <= len(flat); i += dim {
		result.Vectors = append(result.Vectors, flat[i:i+dim])
	}

	for _, n := range resp.OutputInts("prompt_tokens") {
		result.PromptTokens += int(n)
	}

	return result, nil
}
