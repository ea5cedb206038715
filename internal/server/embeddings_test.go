package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openinfer/modelfront/internal/auth"
	"github.com/openinfer/modelfront/internal/backend"
)

func embedRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(body))

	return authed(r, "alice", auth.TokenTypeAPIKey, auth.ScopeEmbeddings)
}

func TestEmbeddingsHappyPath(t *testing.T) {
	f := newFixture(t)
	f.srv.embed = func(_ context.Context, addr, model string, inputs []string) (*backend.EmbedResult, error) {
		return &backend.EmbedResult{
			Vectors:      [][]float32{{0.5, -1.5}, {2, 3}},
			PromptTokens: 6,
		}, nil
	}

	rec := httptest.NewRecorder()
	f.srv.EmbeddingsAPI(rec, embedRequest(`{"model": "nv-embed-v2", "input": ["a", "b"]}`))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp EmbeddingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if resp.Object != "list" || len(resp.Data) != 2 {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Data[0].Index != 0 || resp.Data[1].Index != 1 {
		t.Fatalf("indices = %+v", resp.Data)
	}
	if resp.Usage.PromptTokens != 6 || resp.Usage.TotalTokens != 6 {
		t.Fatalf("usage = %+v", resp.Usage)
	}

	rows := f.waitForUsage(t, 1)
	if rows[0].APIType != "embeddings" {
		t.Fatalf("api_type = %q", rows[0].APIType)
	}
	if !rows[0].InputCount.Valid || rows[0].InputCount.V != 2 {
		t.Fatalf("input_count = %+v", rows[0].InputCount)
	}
}

func TestEmbeddingsBase64Encoding(t *testing.T) {
	f := newFixture(t)
	f.srv.embed = func(_ context.Context, addr, model string, inputs []string) (*backend.EmbedResult, error) {
		return &backend.EmbedResult{Vectors: [][]float32{{1.0}}, PromptTokens: 1}, nil
	}

	rec := httptest.NewRecorder()
	f.srv.EmbeddingsAPI(rec, embedRequest(`{"model": "nv-embed-v2", "input": "x", "encoding_format": "base64"}`))

	var resp EmbeddingsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	encoded, ok := resp.Data[0].Embedding.(string)
	if !ok {
		t.Fatalf("base64 embedding must be a string, got %T", resp.Data[0].Embedding)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}

	// float32(1.0) little-endian.
	if len(raw) != 4 || raw[0] != 0 || raw[1] != 0 || raw[2] != 0x80 || raw[3] != 0x3f {
		t.Fatalf("raw bytes = %x", raw)
	}
}

func TestEmbeddingsEmptyInput(t *testing.T) {
	f := newFixture(t)

	for _, body := range []string{
		`{"model": "nv-embed-v2", "input": []}`,
		`{"model": "nv-embed-v2"}`,
		`{"model": "nv-embed-v2", "input": [""]}`,
	} {
		rec := httptest.NewRecorder()
		f.srv.EmbeddingsAPI(rec, embedRequest(body))

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestEmbeddingsUnknownModel(t *testing.T) {
	f := newFixture(t)

	rec := httptest.NewRecorder()
	// A chat model is not an embeddings model.
	f.srv.EmbeddingsAPI(rec, embedRequest(`{"model": "llama-3.1-8b-instruct", "input": "x"}`))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestStringListUnmarshal(t *testing.T) {
	var single StringList
	if err := json.Unmarshal([]byte(`"one"`), &single); err != nil || len(single) != 1 || single[0] != "one" {
		t.Fatalf("single = %v, %v", single, err)
	}

	var list StringList
	if err := json.Unmarshal([]byte(`["a","b"]`), &list); err != nil || len(list) != 2 {
		t.Fatalf("list = %v, %v", list, err)
	}

	var bad StringList
	if err := json.Unmarshal([]byte(`42`), &bad); err == nil {
		t.Fatal("numeric input must error")
	}
}
