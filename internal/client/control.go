package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Control talks to a running cnectd over its control socket.
type Control struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// DialControl connects to the daemon's Unix domain socket.
func DialControl(socketPath string) (*Control, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Control{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Status returns the serving status of service; "" asks about the daemon
// as a whole.
func (c *Control) Status(ctx context.Context, service string) (string, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return "", fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus().String(), nil
}

// Close closes the gRPC connection.
func (c *Control) Close() error {
	return c.conn.Close()
}
