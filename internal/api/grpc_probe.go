package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// ProbeConfig holds configuration for the health probe client.
type ProbeConfig struct {
	Address        string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultProbeConfig returns default configuration for addr.
func DefaultProbeConfig(addr string) ProbeConfig {
	return ProbeConfig{
		Address:        addr,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

// ProbeSession asks a running bot for the serving status of the messaging
// session over grpc.health.v1.
func ProbeSession(ctx context.Context, cfg ProbeConfig) (healthpb.HealthCheckResponse_ServingStatus, error) {
	unknown := healthpb.HealthCheckResponse_UNKNOWN

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    30 * time.Second,
			Timeout: cfg.ConnectTimeout,
		}),
	)
	if err != nil {
		return unknown, fmt.Errorf("create client for %s: %w", cfg.Address, err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Debug("Failed to close probe connection", "error", closeErr)
		}
	}()

	// Connect eagerly so a dead endpoint fails within ConnectTimeout.
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		return unknown, fmt.Errorf("bot at %s not reachable: %w", cfg.Address, err)
	}

	reqCtx, reqCancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer reqCancel()
	resp, err := healthpb.NewHealthClient(conn).Check(reqCtx, &healthpb.HealthCheckRequest{Service: SessionServiceName})
	if err != nil {
		return unknown, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus(), nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}
