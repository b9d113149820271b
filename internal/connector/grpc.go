package connector

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

// ReadMethod is the unary method a gRPC device connector must serve. Both
// request and response are google.protobuf.Struct.
const ReadMethod = "/studio_brain.connectors.v1.Connector/Read"

// GRPCConnector calls a remote connector over gRPC.
type GRPCConnector struct {
	name string
	conn *grpc.ClientConn
}

// DialGRPC opens a plaintext client connection to addr. Connectors live on
// the studio network; TLS is terminated by the mesh.
func DialGRPC(name, addr string) (*GRPCConnector, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial connector %s: %w", name, err)
	}
	return NewGRPCConnector(name, conn), nil
}

// NewGRPCConnector wraps an existing connection.
func NewGRPCConnector(name string, conn *grpc.ClientConn) *GRPCConnector {
	return &GRPCConnector{name: name, conn: conn}
}

func (c *GRPCConnector) Name() string {
	return c.name
}

func (c *GRPCConnector) Read(ctx context.Context, req Request) (map[string]any, error) {
	in, err := structpb.NewStruct(map[string]any{
		"capabilityId": req.CapabilityID,
		"tenantId":     req.TenantID,
		"actorId":      req.ActorID,
		"input":        normalize(req.Input),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ReadMethod, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

// Close releases the underlying connection.
func (c *GRPCConnector) Close() error {
	return c.conn.Close()
}

// normalize gives structpb a value it can encode; nil maps become empty.
func normalize(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
