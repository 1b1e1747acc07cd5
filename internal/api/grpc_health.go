package api

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/ashureev/anm-bot/internal/domain"
)

// SessionServiceName is the gRPC health service name of the messaging session.
const SessionServiceName = "anmbot.Session"

// HealthReporter mirrors the session state into a gRPC health server:
// SERVING while connected, NOT_SERVING otherwise.
type HealthReporter struct {
	server *health.Server
}

// NewGRPCServer returns a gRPC server exposing grpc.health.v1 and reflection,
// and the reporter that keeps the session service status current.
func NewGRPCServer() (*grpc.Server, *HealthReporter) {
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SessionServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return srv, &HealthReporter{server: hs}
}

// Publish implements lifecycle.Publisher.
func (r *HealthReporter) Publish(evt domain.Event) {
	switch evt.Type {
	case domain.EventReady:
		r.server.SetServingStatus(SessionServiceName, healthpb.HealthCheckResponse_SERVING)
	case domain.EventQR, domain.EventStopped, domain.EventDisconnected, domain.EventReset:
		r.server.SetServingStatus(SessionServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	default:
		return
	}
	slog.Debug("gRPC health updated", "service", SessionServiceName, "event", evt.Type)
}

// Shutdown marks every service NOT_SERVING.
func (r *HealthReporter) Shutdown() {
	r.server.Shutdown()
}
