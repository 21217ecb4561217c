package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCHandler performs req over conn. req.URL carries the full method name.
type GRPCHandler func(ctx context.Context, conn grpc.ClientConnInterface, req Request) (*Response, error)

// GRPC performs requests over a single gRPC connection.
type GRPC struct {
	endpoint string
	conn     *grpc.ClientConn
	handler  GRPCHandler
}

// NewGRPC creates a client for endpoint. TLS is used for https:// or :443
// endpoints. A nil handler means StructHandler.
func NewGRPC(endpoint string, handler GRPCHandler) (*GRPC, error) {
	target := endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(endpoint, "https://") || strings.HasSuffix(endpoint, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", target, err)
	}

	if handler == nil {
		handler = StructHandler
	}
	return &GRPC{
		endpoint: endpoint,
		conn:     conn,
		handler:  handler,
	}, nil
}

// Perform runs the handler with the shared connection.
func (t *GRPC) Perform(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	return t.handler(ctx, t.conn, req)
}

// Conn returns the underlying connection for generated clients.
func (t *GRPC) Conn() *grpc.ClientConn {
	return t.conn
}

// Close releases the connection.
func (t *GRPC) Close() error {
	return t.conn.Close()
}

// StructHandler invokes a unary method that takes and returns
// google.protobuf.Struct. The JSON body becomes the request message and the
// reply is returned as JSON with status 200. Failures are returned as gRPC
// status errors.
func StructHandler(ctx context.Context, conn grpc.ClientConnInterface, req Request) (*Response, error) {
	in := &structpb.Struct{}
	if len(req.Body) > 0 {
		if err := protojson.Unmarshal(req.Body, in); err != nil {
			return nil, fmt.Errorf("invalid request body: %w", err)
		}
	}

	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, req.URL, in, out); err != nil {
		return nil, err
	}

	body, err := protojson.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}
	return &Response{
		Status: 200,
		Header: map[string]string{"Content-Type": "application/json"},
		Body:   body,
	}, nil
}
