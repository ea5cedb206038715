// Package backend speaks the inference servers' streaming gRPC protocol and
// presents typed call surfaces to the gateway handlers: a per-request stream
// client for chat, unary helpers for embeddings, audio, token counting and
// detokenization.
package backend

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/openinfer/modelfront/internal/backend/pb"
)

// Well-known auxiliary model names on the inference servers.
const (
	detokenizerModel = "tokenizer"
	counterModel     = "usage_counter"
)

// dial opens a connection to an inference server. Traffic is in-cluster;
// transport security is the deployment's concern, not the gateway's.
func dial(addr string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(pb.Codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("dial inference server %s: %w", addr, err)
	}

	return conn, nil
}

// infer performs one unary ModelInfer call on an existing connection.
func infer(ctx context.Context, conn *grpc.ClientConn, req *pb.ModelInferRequest) (*pb.ModelInferResponse, error) {
	resp := &pb.ModelInferResponse{}
	if err := conn.Invoke(ctx, pb.MethodModelInfer, req, resp); err != nil {
		return nil, fmt.Errorf("infer %s: %w", req.ModelName, err)
	}

	return resp, nil
}

// inferOnce dials, performs one unary call, and closes the connection.
func inferOnce(ctx context.Context, addr string, req *pb.ModelInferRequest) (*pb.ModelInferResponse, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return infer(ctx, conn, req)
}
