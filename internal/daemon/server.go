package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/matheus3301/cnectd/internal/instance"
	"github.com/matheus3301/cnectd/internal/lock"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceRealtime is the health service name of the persistent connection
// endpoint. The empty name covers the daemon as a whole.
const ServiceRealtime = "cnectd.realtime"

// ControlServer serves the gRPC control plane on the instance's Unix
// domain socket.
type ControlServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewControlServer binds the control socket. It takes the lock so a
// second daemon never replaces a live socket. Every service starts out
// NOT_SERVING until SetServing flips it.
func NewControlServer(p Params, _ *lock.Lock, logger *zap.Logger) (*ControlServer, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = instance.SocketPath(p.Instance)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	c := &ControlServer{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}
	c.SetServing(false)
	return c, nil
}

// SetServing reports the daemon and its realtime endpoint as up or down.
func (c *ControlServer) SetServing(up bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if up {
		st = healthpb.HealthCheckResponse_SERVING
	}
	c.health.SetServingStatus("", st)
	c.health.SetServingStatus(ServiceRealtime, st)
}

// Start begins serving gRPC requests. Blocks until stopped.
func (c *ControlServer) Start() error {
	c.logger.Info("control server starting", zap.String("socket", c.socketPath))
	return c.grpcServer.Serve(c.listener)
}

// Stop marks every service down, drains in-flight calls and removes the
// socket file.
func (c *ControlServer) Stop(_ context.Context) {
	c.logger.Info("control server stopping")
	c.health.Shutdown()
	c.grpcServer.GracefulStop()
	_ = os.Remove(c.socketPath)
}
