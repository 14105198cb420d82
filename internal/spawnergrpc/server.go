package spawnergrpc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"pkt.systems/showcase/core"
	"pkt.systems/showcase/schema"
	"pkt.systems/pslog"
)

// Server exposes a core.Spawner over gRPC and provides a ListenAndServe entrypoint.
type Server struct {
	cfg     Config
	spawner core.Spawner
	logger  pslog.Logger

	lastPingUnix int64
}

// NewServer constructs a spawner gRPC server.
func NewServer(cfg Config, spawner core.Spawner) *Server {
	return &Server{cfg: cfg, spawner: spawner}
}

// Register attaches the spawner service to an existing gRPC server.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

// ListenAndServe starts the gRPC server over a Unix domain socket.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.spawner == nil {
		return errors.New("spawner gRPC server requires a spawner")
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	listener, err := s.listen()
	if err != nil {
		return err
	}
	grpcServer := grpc.NewServer()
	s.Register(grpcServer)
	s.logger.Info("spawner grpc listening", "network", listener.Addr().Network(), "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.setLastPing(time.Now())
	if s.cfg.KeepaliveInterval > 0 && s.cfg.KeepaliveMisses > 0 {
		go s.keepaliveLoop(runCtx, cancel, grpcServer)
	}
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-runCtx.Done():
		grpcServer.GracefulStop()
		s.logger.Info("spawner grpc stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.Address != "" {
		return net.Listen("tcp", s.cfg.Address)
	}
	if s.cfg.SocketPath == "" {
		return nil, errors.New("spawner socket path or address is required")
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(s.cfg.SocketPath)
	return net.Listen("unix", s.cfg.SocketPath)
}

// Ping updates the keepalive timer.
func (s *Server) Ping(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.setLastPing(time.Now())
	s.log(ctx).Trace("spawner ping")
	return &structpb.Struct{Fields: map[string]*structpb.Value{fieldOK: structpb.NewBoolValue(true)}}, nil
}

// ListSources lists the owner's process slots.
func (s *Server) ListSources(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner := schema.UserID(stringField(in, fieldOwner))
	if owner == "" {
		return nil, status.Error(codes.InvalidArgument, "owner is required")
	}
	refs, err := s.spawner.ListSources(ctx, owner)
	if err != nil {
		s.log(ctx).Warn("spawner list sources failed", "user", owner, "err", err)
		return nil, toStatus(err)
	}
	return sourcesResponse(refs), nil
}

// State reports a slot state.
func (s *Server) State(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, name, err := slotArgs(in)
	if err != nil {
		return nil, err
	}
	state, err := s.spawner.State(ctx, owner, name)
	if err != nil {
		s.log(ctx).Warn("spawner state failed", "user", owner, "process", name, "err", err)
		return nil, toStatus(err)
	}
	return stateResponse(state), nil
}

// PollAndNotify refreshes a slot state.
func (s *Server) PollAndNotify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, name, err := slotArgs(in)
	if err != nil {
		return nil, err
	}
	state, err := s.spawner.PollAndNotify(ctx, owner, name)
	if err != nil {
		s.log(ctx).Warn("spawner poll failed", "user", owner, "process", name, "err", err)
		return nil, toStatus(err)
	}
	return stateResponse(state), nil
}

// Launch starts a slot and returns once it runs or fails.
func (s *Server) Launch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := fromLaunchRequest(in)
	if req.Owner == "" || req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "owner and name are required")
	}
	log := s.log(ctx).With("user", req.Owner, "process", req.Name)
	started := time.Now()
	log.Info("spawner launch start")
	res, err := s.spawner.Launch(pslog.ContextWithLogger(ctx, log), req)
	if err != nil {
		log.Warn("spawner launch failed", "err", err, "duration_ms", time.Since(started).Milliseconds())
		return nil, toStatus(err)
	}
	log.Info("spawner launch ok", "state", res.State, "duration_ms", time.Since(started).Milliseconds())
	return launchResponse(res), nil
}

func slotArgs(in *structpb.Struct) (schema.UserID, schema.ProcessName, error) {
	owner := schema.UserID(stringField(in, fieldOwner))
	name := schema.ProcessName(stringField(in, fieldName))
	if owner == "" || name == "" {
		return "", "", status.Error(codes.InvalidArgument, "owner and name are required")
	}
	return owner, name, nil
}

// toStatus maps spawner errors to gRPC codes the client can map back.
func toStatus(err error) error {
	switch {
	case errors.Is(err, core.ErrSpawnPending):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *Server) log(ctx context.Context) pslog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return pslog.Ctx(ctx)
}

func (s *Server) setLastPing(ts time.Time) {
	atomic.StoreInt64(&s.lastPingUnix, ts.UnixNano())
}

func (s *Server) lastPing() time.Time {
	val := atomic.LoadInt64(&s.lastPingUnix)
	if val == 0 {
		return time.Time{}
	}
	return time.Unix(0, val)
}

func (s *Server) keepaliveLoop(ctx context.Context, cancel context.CancelFunc, grpcServer *grpc.Server) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := s.lastPing()
			if last.IsZero() {
				continue
			}
			if time.Since(last) > time.Duration(s.cfg.KeepaliveMisses)*s.cfg.KeepaliveInterval {
				s.logger.Warn("spawner keepalive missed; shutting down", "last_ping", last.Format(time.RFC3339Nano), "interval", s.cfg.KeepaliveInterval, "misses", s.cfg.KeepaliveMisses)
				grpcServer.GracefulStop()
				cancel()
				return
			}
		}
	}
}
