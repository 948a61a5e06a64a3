package corea

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Lotargo/Aegis-Core/internal/logger"
	"github.com/Lotargo/Aegis-Core/rpc"
)

const (
	// healthProbeAttempts bounds the startup wait for Core-B.
	healthProbeAttempts = 10
	// healthProbeInterval separates consecutive probes.
	healthProbeInterval = time.Second
	// healthProbeDeadline bounds each individual probe.
	healthProbeDeadline = time.Second
	// handshakeTimeout bounds the public-key fetch.
	handshakeTimeout = 5 * time.Second
)

// Bootstrap waits for Core-B's RPC server and performs the initial
// handshake. Errors are returned for logging but are non-fatal: the server
// keeps running and retries lazily on the first proxied request.
func (s *Server) Bootstrap(ctx context.Context) error {
	if err := s.WaitForGateway(ctx); err != nil {
		return err
	}
	return s.Handshake(ctx)
}

// WaitForGateway polls Core-B's HealthCheck until it reports SERVING, up to
// healthProbeAttempts with healthProbeInterval between attempts.
func (s *Server) WaitForGateway(ctx context.Context) error {
	for attempt := 1; attempt <= healthProbeAttempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeDeadline)
		res, err := s.gateway.HealthCheck(probeCtx, &rpc.HealthCheckRequest{})
		cancel()

		if err == nil && res.Status == rpc.StatusServing {
			s.log.Info("gateway is serving", logger.Int("attempt", attempt))
			return nil
		}
		s.log.Info("gateway not ready", logger.Int("attempt", attempt))

		if attempt == healthProbeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(healthProbeInterval):
		}
	}
	return fmt.Errorf("gateway not serving after %d attempts", healthProbeAttempts)
}

// Handshake fetches Core-B's public key and derives a fresh session key,
// replacing the current one. On failure the held key is cleared so health
// reports session_ready=false.
func (s *Server) Handshake(ctx context.Context) error {
	url := s.cfg.CoreBHTTPURL + "/public-key"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.setKey(nil)
		return fmt.Errorf("build handshake request: %w", err)
	}

	res, err := s.handshakeClient.Do(req)
	if err != nil {
		s.setKey(nil)
		return fmt.Errorf("fetch peer public key: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		s.setKey(nil)
		return fmt.Errorf("fetch peer public key: unexpected status %d", res.StatusCode)
	}
	peerPEM, err := io.ReadAll(res.Body)
	if err != nil {
		s.setKey(nil)
		return fmt.Errorf("read peer public key: %w", err)
	}

	key, err := s.engine.DeriveSharedKey(peerPEM)
	if err != nil {
		s.setKey(nil)
		return fmt.Errorf("derive session key: %w", err)
	}
	s.setKey(key)
	s.log.Info("session key established")
	return nil
}
