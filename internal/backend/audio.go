package backend

import (
	"context"
	"fmt"

	"github.com/openinfer/modelfront/internal/backend/pb"
)

// Transcribe performs a single-shot audio transcription call. The audio
// payload is the base64-encoded upload; the model answers with plain text.
func Transcribe(ctx context.Context, addr, model string, audio []byte) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, CollectTimeout)
	defer cancel()

	req := &pb.ModelInferRequest{
		ModelName: model,
		Inputs: []*pb.InferInputTensor{{
			Name:     "input.audio",
			Datatype: "BYTES",
			Shape:    []int64{1},
			Contents: &pb.InferTensorContents{BytesContents: [][]byte{audio}},
		}},
		Outputs: []*pb.InferRequestedOutputTensor{{Name: "output.text"}},
	}

	resp, err := inferOnce(callCtx, addr, req)
	if err != nil {
		return "", err
	}

	elems := resp.OutputBytes("output.text")
	if len(elems) == 0 {
		return "", fmt.Errorf("transcription output missing for model %s", model)
	}

	return string(elems[0]), nil
}
