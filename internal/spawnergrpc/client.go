package spawnergrpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

// Client implements core.Spawner over gRPC.
type Client struct {
	conn *grpc.ClientConn
}

var _ core.Spawner = (*Client)(nil)

// Dial creates a new spawner client over a Unix domain socket.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	if socketPath == "" {
		return nil, errors.New("spawner socket path is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dialer := func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", addr)
	}
	target := "passthrough:///" + socketPath
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(dialer),
	)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// DialTCP creates a new spawner client for a host:port address.
func DialTCP(ctx context.Context, address string) (*Client, error) {
	if address == "" {
		return nil, errors.New("spawner address is required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ping sends a keepalive ping to the spawner.
func (c *Client) Ping(ctx context.Context) error {
	out := new(structpb.Struct)
	return c.invoke(ctx, methodPing, &structpb.Struct{}, out)
}

// Keepalive pings every interval until ctx ends.
func (c *Client) Keepalive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Ping(ctx); err != nil && ctx.Err() == nil {
				pslog.Ctx(ctx).Debug("spawner ping failed", "err", err)
			}
		}
	}
}

// ListSources lists the owner's process slots.
func (c *Client) ListSources(ctx context.Context, owner schema.UserID) ([]schema.ProcessRef, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodListSources, ownerRequest(owner), out); err != nil {
		return nil, err
	}
	return fromSourcesResponse(out), nil
}

// State reports a slot state.
func (c *Client) State(ctx context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodState, slotRequest(owner, name), out); err != nil {
		return schema.BackendAbsent, err
	}
	return parseState(stringField(out, fieldState)), nil
}

// PollAndNotify refreshes a slot state.
func (c *Client) PollAndNotify(ctx context.Context, owner schema.UserID, name schema.ProcessName) (schema.BackendState, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodPollAndNotify, slotRequest(owner, name), out); err != nil {
		return schema.BackendAbsent, err
	}
	return parseState(stringField(out, fieldState)), nil
}

// Launch starts a slot and blocks until it runs or fails.
func (c *Client) Launch(ctx context.Context, req core.LaunchRequest) (core.LaunchResult, error) {
	in, err := launchRequest(req)
	if err != nil {
		return core.LaunchResult{}, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, methodLaunch, in, out); err != nil {
		return core.LaunchResult{}, err
	}
	return fromLaunchResponse(out), nil
}

func (c *Client) invoke(ctx context.Context, method string, in, out *structpb.Struct) error {
	if c == nil || c.conn == nil {
		return errors.New("spawner client not initialized")
	}
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return wrapSpawnerError(method, err)
	}
	return nil
}

// wrapSpawnerError restores the sentinel errors the orchestrator classifies on.
func wrapSpawnerError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("spawner %s: %w", op, err)
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("spawner %s: %w", op, err)
	}
	switch st.Code() {
	case codes.Aborted:
		return fmt.Errorf("spawner %s: %w: %s", op, core.ErrSpawnPending, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("spawner %s: %w: %w", op, context.DeadlineExceeded, err)
	case codes.Canceled:
		return fmt.Errorf("spawner %s: %w: %w", op, context.Canceled, err)
	default:
		return fmt.Errorf("spawner %s: %w", op, err)
	}
}
