package daemon

import (
	"context"
	"fmt"
	"net"
	"os"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/wpp-relay/internal/status"
)

// ServiceName is the health service name relayctl queries besides "".
const ServiceName = "relay"

// ControlServer is the gRPC server bound to the daemon's Unix domain socket.
// It serves the standard health service, driven by the state machine.
type ControlServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewControlServer creates the control server and binds its socket.
func NewControlServer(p Params, machine *status.Machine, logger *zap.Logger) (*ControlServer, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = p.Config.SocketPath()
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

	s := &ControlServer{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}
	s.setState(machine.Current())
	machine.OnChange(s.setState)
	return s, nil
}

func (s *ControlServer) setState(st status.State) {
	serving := healthpb.HealthCheckResponse_NOT_SERVING
	if st == status.Ready {
		serving = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(ServiceName, serving)
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *ControlServer) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop marks every service NOT_SERVING, performs a graceful shutdown and
// removes the socket file.
func (s *ControlServer) Stop(_ context.Context) {
	s.logger.Info("control server stopping")
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}
