package backend

import (
	"context"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openinfer/modelfront/internal/backend/pb"
)

const (
	counterCacheSize = 1000
	counterCacheKey  = 500 // chars of input used as the cache key
	counterTimeout   = 2 * time.Second
)

// Counter counts prompt and completion tokens through the dedicated counter
// model, memoizing results and degrading to a character-based estimate when
// the service does not answer in time.
type Counter struct {
	addr  string
	cache *lru.Cache[string, int]

	// call is the RPC; replaced in tests.
	call func(ctx context.Context, texts []string) (int, error)
}

func NewCounter(addr string) *Counter {
	cache, _ := lru.New[string, int](counterCacheSize)

	c := &Counter{addr: addr, cache: cache}
	c.call = c.remoteCount

	return c
}

// Count returns the token count of the texts. Results are cached on the
// first 500 characters of the joined input; a miss with an unreachable
// counter falls back to Estimate.
func (c *Counter) Count(ctx context.Context, texts ...string) int {
	var nonEmpty []string
	for _, t := range texts {
		if t != "" {
			nonEmpty = append(nonEmpty, t)
		}
	}
	if len(nonEmpty) == 0 {
		return 0
	}

	key := cacheKey(nonEmpty)
	if count, ok := c.cache.Get(key); ok {
		return count
	}

	count, err := c.call(ctx, nonEmpty)
	if err != nil {
		slog.Warn("token counter unavailable, estimating", "error", err)
		count = Estimate(nonEmpty...)
	}

	c.cache.Add(key, count)

	return count
}

func (c *Counter) remoteCount(ctx context.Context, texts []string) (int, error) {
	callCtx, cancel := context.WithTimeout(ctx, counterTimeout)
	defer cancel()

	elems := make([][]byte, len(texts))
	for i, t := range texts {
		elems[i] = []byte(t)
	}

	req := &pb.ModelInferRequest{
		ModelName: counterModel,
		Inputs: []*pb.InferInputTensor{{
			Name:     "prompt",
			Datatype: "BYTES",
			Shape:    []int64{1, int64(len(elems))},
			Contents: &pb.InferTensorContents{BytesContents: elems},
		}},
		Outputs: []*pb.InferRequestedOutputTensor{{Name: "num_tokens"}},
	}

	resp, err := inferOnce(callCtx, c.addr, req)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, n := range resp.OutputInts("num_tokens") {
		total += int(n)
	}

	return total, nil
}

// Estimate approximates the token count as ⌈chars/4⌉, never less than one
// for non-empty input.
func Estimate(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += len(t)
	}
	if total == 0 {
		return 0
	}

	count := (total + 3) / 4
	if count < 1 {
		count = 1
	}

	return count
}

func cacheKey(texts []string) string {
	var key string
	for _, t := range texts {
		key += t
		if len(key) >= counterCacheKey {
			return key[:counterCacheKey]
		}
		key += "|"
	}

	return key
}
