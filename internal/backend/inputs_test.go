package backend

import (
	"testing"

	"github.com/openinfer/modelfront/internal/backend/pb"
)

func findInput(t *testing.T, inputs []*pb.InferInputTensor, name string) *pb.InferInputTensor {
	t.Helper()

	for _, in := range inputs {
		if in.Name == name {
			return in
		}
	}

	t.Fatalf("input %q missing", name)

	return nil
}

func TestBuildInputsClamping(t *testing.T) {
	inputs := BuildInputs(ChatParams{
		Prompt:           []byte("hello"),
		MaxTokens:        64,
		TopP:             3.5,
		Temperature:      -1,
		PresencePenalty:  9,
		FrequencyPenalty: -9,
	})

	tests := []struct {
		name string
		want float32
	}{
		{"top_p", 1},
		{"temperature", 0},
		{"presence_penalty", 2},
		{"frequency_penalty", -2},
	}

	for _, tt := range tests {
		in := findInput(t, inputs, tt.name)
		if got := in.Contents.Fp32Contents[0]; got != tt.want {
			t.Fatalf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestBuildInputsShapes(t *testing.T) {
	inputs := BuildInputs(ChatParams{
		Prompt:    []byte("prompt"),
		MaxTokens: 10,
		Stop:      []string{"</s>", "\n\n"},
		Seed:      42,
	})

	text := findInput(t, inputs, "text_input")
	if text.Datatype != "BYTES" || len(text.Shape) != 2 || text.Shape[0] != 1 || text.Shape[1] != 1 {
		t.Fatalf("text_input tensor = %+v", text)
	}
	if string(text.Contents.BytesContents[0]) != "prompt" {
		t.Fatalf("text_input payload = %q", text.Contents.BytesContents[0])
	}

	stops := findInput(t, inputs, "stop_words")
	if stops.Shape[1] != 2 || len(stops.Contents.BytesContents) != 2 {
		t.Fatalf("stop_words tensor = %+v", stops)
	}

	seed := findInput(t, inputs, "random_seed")
	if seed.Contents.Uint64Contents[0] != 42 {
		t.Fatalf("random_seed = %v", seed.Contents.Uint64Contents)
	}

	stream := findInput(t, inputs, "stream")
	if len(stream.Contents.BoolContents) != 1 {
		t.Fatalf("stream tensor = %+v", stream)
	}
}

func TestBuildInputsMaxTokensDefault(t *testing.T) {
	inputs := BuildInputs(ChatParams{Prompt: []byte("x")})

	max := findInput(t, inputs, "max_tokens")
	if max.Contents.IntContents[0] != 1024 {
		t.Fatalf("default max_tokens = %d, want 1024", max.Contents.IntContents[0])
	}
}

func TestBuildInputsEncodedFiles(t *testing.T) {
	inputs := BuildInputs(ChatParams{
		Prompt:       []byte("x"),
		EncodedFiles: [][]byte{[]byte("aaa"), []byte("bbb")},
	})

	files := findInput(t, inputs, "encoded_files")
	if files.Shape[0] != 2 || len(files.Contents.BytesContents) != 2 {
		t.Fatalf("encoded_files tensor = %+v", files)
	}
}
