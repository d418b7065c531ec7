package bus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/status"

	"github.com/pithecene-io/bastion/types"
)

// ErrTransport classifies transport-level publish failures (connection
// refused, broker down, deadline). These are retriable; the WAL entry
// stays INFLIGHT while the publisher retries it with backoff, and WAL
// recovery on the next Open reverts it to PENDING.
var ErrTransport = errors.New("transport error")

// Client is the agent-side handle on the bus.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the broker with mutual TLS. The connection is lazy;
// transport failures surface on Publish.
func Dial(addr string, tlsCfg *tls.Config) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial broker %q: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Publish sends one envelope and returns the broker's ack.
// Transport and deadline failures are wrapped in ErrTransport; an
// application-level rejection arrives as a non-OK ack, not an error.
func (c *Client) Publish(ctx context.Context, env *types.Envelope) (*types.Ack, error) {
	ack := new(types.Ack)
	err := c.conn.Invoke(ctx, PublishMethod, env, ack)
	if err != nil {
		return nil, classifyRPCError(err)
	}
	return ack, nil
}

// classifyRPCError maps gRPC errors onto the retriable transport
// sentinel. All RPC failures are retriable from the publisher's view;
// terminal verdicts only ever arrive as acks.
func classifyRPCError(err error) error {
	code := status.Code(err)
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted, codes.Aborted:
		return fmt.Errorf("%w: %s: %v", ErrTransport, code, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
