package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"

	"github.com/openinfer/modelfront/internal/backend/pb"
)

// Stream deadlines. CollectTimeout bounds a single non-streaming collect,
// ParallelTimeout bounds an N-way join, HardTimeout is the absolute cap.
const (
	CollectTimeout  = 60 * time.Second
	ParallelTimeout = 120 * time.Second
	HardTimeout     = 300 * time.Second

	chunkQueueSize = 100
)

// ErrStreamAborted is returned when the backend reports an in-stream error.
var ErrStreamAborted = errors.New("stream aborted")

// tokenMarker matches the placeholder the backend emits when a token crosses
// a UTF-8 boundary, e.g. t'12345'.
var tokenMarker = regexp.MustCompile(`t'(\d+)'`)

// Finish reasons as surfaced to the OpenAI response shape.
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

type recvChunk struct {
	text string
	err  error
	done bool
}

// StreamClient owns one logical generation: a bidirectional stream to the
// chat model plus a detokenizer connection on the same server. One instance
// per request; never shared.
type StreamClient struct {
	model     string
	requestID string

	conn      *grpc.ClientConn
	detokConn *grpc.ClientConn
	stream    grpc.ClientStream
	cancel    context.CancelFunc

	chunks chan recvChunk

	// detok converts buffered token ids back to text. Replaced in tests.
	detok func(ctx context.Context, tokens []int32) (string, error)

	stop      []string
	maxTokens int
	deadline  time.Time

	pending     []string
	tokenBuf    []int32
	accumulated strings.Builder
	emitted     int
	finish      string
	promptTok   int

	closeOnce sync.Once
}

// Open dials the server, starts the stream, and sends the request frame.
// The caller must Close the client on every exit path.
func Open(ctx context.Context, addr, model, requestID string, params ChatParams) (*StreamClient, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}

	detokConn, err := dial(addr)
	if err != nil {
		conn.Close()

		return nil, err
	}

	streamCtx, cancel := context.WithCancel(ctx)

	c := &StreamClient{
		model:     model,
		requestID: requestID,
		conn:      conn,
		detokConn: detokConn,
		cancel:    cancel,
		chunks:    make(chan recvChunk, chunkQueueSize),
		stop:      params.Stop,
		maxTokens: int(params.MaxTokens),
		deadline:  time.Now().Add(HardTimeout),
	}
	c.detok = c.detokenize

	desc := &grpc.StreamDesc{
		StreamName:    "ModelStreamInfer",
		ServerStreams: true,
		ClientStreams: true,
	}

	stream, err := conn.NewStream(streamCtx, desc, pb.MethodModelStreamInfer)
	if err != nil {
		c.Close()

		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}
	c.stream = stream

	params.Stream = true
	req := &pb.ModelInferRequest{
		ModelName: model,
		ID:        requestID,
		Inputs:    BuildInputs(params),
		Outputs:   []*pb.InferRequestedOutputTensor{{Name: "text_output"}},
	}

	if err := stream.SendMsg(req); err != nil {
		c.Close()

		return nil, fmt.Errorf("send request frame: %w", err)
	}

	go c.receive()

	return c, nil
}

// receive runs on its own goroutine: it only parses frames and enqueues into
// the bounded chunk queue. The request goroutine drains; no other state is
// shared.
func (c *StreamClient) receive() {
	seen := false

	for {
		frame := &pb.ModelStreamInferResponse{}
		if err := c.stream.RecvMsg(frame); err != nil {
			if errors.Is(err, io.EOF) {
				c.enqueue(recvChunk{done: true})
			} else {
				c.enqueue(recvChunk{err: err})
			}

			return
		}

		if frame.ErrorMessage != "" {
			c.enqueue(recvChunk{err: fmt.Errorf("%w: %s", ErrStreamAborted, frame.ErrorMessage)})

			return
		}

		resp := frame.InferResponse
		if resp == nil {
			continue
		}

		if toks := resp.OutputInts("prompt_tokens"); len(toks) > 0 {
			c.promptTok = int(toks[0])
		}

		elems := resp.OutputBytes("text_output")
		if len(elems) == 0 {
			continue
		}

		var text strings.Builder
		empty := true
		for _, e := range elems {
			if len(e) > 0 {
				empty = false
			}
			text.Write(e)
		}

		// Empty-byte sentinel after at least one real chunk ends the stream.
		if empty && seen {
			c.enqueue(recvChunk{done: true})

			return
		}

		seen = true
		c.enqueue(recvChunk{text: text.String()})
	}
}

// enqueue blocks when the queue is full; the consumer's deadline tears the
// stream down if it stops draining.
func (c *StreamClient) enqueue(chunk recvChunk) {
	c.chunks <- chunk
}

// Recv returns the next reassembled text piece. io.EOF signals a clean end;
// FinishReason then reports why. Cancellation of ctx tears the stream down.
func (c *StreamClient) Recv(ctx context.Context) (string, error) {
	for {
		if len(c.pending) > 0 {
			piece := c.pending[0]
			c.pending = c.pending[1:]
			c.accumulated.WriteString(piece)

			if c.hitStop() {
				c.finish = FinishStop
				c.stopStream()
				c.pending = nil
			}

			return piece, nil
		}

		if c.finish != "" {
			return "", io.EOF
		}

		remaining := time.Until(c.deadline)
		if remaining <= 0 {
			c.finish = FinishLength
			c.stopStream()

			return "", context.DeadlineExceeded
		}

		timer := time.NewTimer(remaining)

		select {
		case chunk := <-c.chunks:
			timer.Stop()

			if chunk.err != nil {
				c.stopStream()

				return "", chunk.err
			}

			if chunk.done {
				c.flushTokens(ctx)
				if c.finish == "" {
					c.finish = FinishStop
				}

				continue
			}

			c.emitted++
			c.process(ctx, chunk.text)

			if c.maxTokens > 0 && c.emitted >= c.maxTokens {
				c.flushTokens(ctx)
				c.finish = FinishLength
				c.stopStream()
			}

		case <-ctx.Done():
			timer.Stop()
			c.stopStream()

			return "", ctx.Err()

		case <-timer.C:
			c.finish = FinishLength
			c.stopStream()

			return "", context.DeadlineExceeded
		}
	}
}

// process splits one backend chunk into plain segments and token markers,
// buffering marker ids and resolving the buffer through the detokenizer as
// soon as a marker-free segment arrives.
func (c *StreamClient) process(ctx context.Context, text string) {
	matches := tokenMarker.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		if len(c.tokenBuf) > 0 {
			c.emit(c.resolveTokens(ctx) + text)

			return
		}

		c.emit(text)

		return
	}

	pos := 0
	for _, m := range matches {
		if prefix := text[pos:m[0]]; prefix != "" {
			if len(c.tokenBuf) > 0 {
				c.emit(c.resolveTokens(ctx) + prefix)
			} else {
				c.emit(prefix)
			}
		}

		id, err := strconv.ParseInt(text[m[2]:m[3]], 10, 32)
		if err == nil {
			c.tokenBuf = append(c.tokenBuf, int32(id))
		}

		pos = m[1]
	}

	if tail := text[pos:]; tail != "" {
		if len(c.tokenBuf) > 0 {
			c.emit(c.resolveTokens(ctx) + tail)
		} else {
			c.emit(tail)
		}
	}
}

func (c *StreamClient) emit(piece string) {
	if piece != "" {
		c.pending = append(c.pending, piece)
	}
}

func (c *StreamClient) flushTokens(ctx context.Context) {
	if len(c.tokenBuf) == 0 {
		return
	}

	c.emit(c.resolveTokens(ctx))
}

// resolveTokens detokenizes and clears the buffer. On failure the ids are
// surfaced as their placeholders so the stream keeps going; the text is
// garbled but nothing is lost silently.
func (c *StreamClient) resolveTokens(ctx context.Context) string {
	tokens := c.tokenBuf
	c.tokenBuf = nil

	text, err := c.detok(ctx, tokens)
	if err != nil {
		slog.Warn("detokenizer call failed, emitting placeholders",
			"request_id", c.requestID, "tokens", len(tokens), "error", err)

		var sb strings.Builder
		for _, t := range tokens {
			fmt.Fprintf(&sb, "t'%d'", t)
		}

		return sb.String()
	}

	return text
}

// detokenize calls the tokenizer model on the same server.
func (c *StreamClient) detokenize(ctx context.Context, tokens []int32) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req := &pb.ModelInferRequest{
		ModelName: detokenizerModel,
		Inputs: []*pb.InferInputTensor{{
			Name:     "tokens",
			Datatype: "INT32",
			Shape:    []int64{int64(len(tokens))},
			Contents: &pb.InferTensorContents{IntContents: tokens},
		}},
		Outputs: []*pb.InferRequestedOutputTensor{{Name: "output"}},
	}

	resp, err := infer(callCtx, c.detokConn, req)
	if err != nil {
		return "", err
	}

	elems := resp.OutputBytes("output")
	if len(elems) == 0 {
		return "", fmt.Errorf("detokenizer returned no output")
	}

	return string(elems[0]), nil
}

func (c *StreamClient) hitStop() bool {
	acc := c.accumulated.String()
	for _, s := range c.stop {
		if s != "" && strings.Contains(acc, s) {
			return true
		}
	}

	return false
}

// Collect drains the stream to completion and returns the accumulated text.
func (c *StreamClient) Collect(ctx context.Context) (string, error) {
	collectCtx, cancel := context.WithTimeout(ctx, CollectTimeout)
	defer cancel()

	for {
		_, err := c.Recv(collectCtx)
		if errors.Is(err, io.EOF) {
			return c.accumulated.String(), nil
		}
		if err != nil {
			return c.accumulated.String(), err
		}
	}
}

// Accumulated returns everything emitted so far.
func (c *StreamClient) Accumulated() string {
	return c.accumulated.String()
}

// FinishReason reports why the stream ended: "stop" or "length".
func (c *StreamClient) FinishReason() string {
	if c.finish == "" {
		return FinishStop
	}

	return c.finish
}

// PromptTokens returns the backend-reported prompt token count, if any.
func (c *StreamClient) PromptTokens() int {
	return c.promptTok
}

// CompletionTokens returns the number of backend chunks consumed, the
// protocol's per-token emission granularity.
func (c *StreamClient) CompletionTokens() int {
	return c.emitted
}

func (c *StreamClient) stopStream() {
	if c.stream != nil {
		_ = c.stream.CloseSend()
	}
	c.cancel()
}

// Close releases both connections. Safe to call on every exit path.
func (c *StreamClient) Close() {
	c.closeOnce.Do(func() {
		c.stopStream()

		if c.conn != nil {
			_ = c.conn.Close()
		}
		if c.detokConn != nil {
			_ = c.detokConn.Close()
		}
	})
}
