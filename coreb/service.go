// Aegis Core - Moving Target Defense Gateway
// Copyright (C) 2025 Lotargo
//
// This file is part of Aegis Core.
//
// Aegis Core is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Aegis Core is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Aegis Core. If not, see <https://www.gnu.org/licenses/>.

// Package coreb implements the egress node: the Gateway RPC service that
// opens envelopes, replays requests against the protected origin, seals the
// responses and randomizes the outer status, plus the HTTP side serving the
// handshake public key, health and metrics.
package coreb

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lotargo/Aegis-Core/config"
	"github.com/Lotargo/Aegis-Core/crypto"
	"github.com/Lotargo/Aegis-Core/internal/logger"
	"github.com/Lotargo/Aegis-Core/internal/metrics"
	"github.com/Lotargo/Aegis-Core/message"
	"github.com/Lotargo/Aegis-Core/rpc"
	"github.com/Lotargo/Aegis-Core/session"
)

// fakeStatuses is the pool the deception layer draws from when it lies.
var fakeStatuses = []uint32{200, 404, 503, 403, 500}

// Service implements rpc.GatewayServer.
type Service struct {
	cfg      config.CoreBConfig
	engine   *crypto.Engine
	sessions *session.Store
	origin   *http.Client
	metrics  *metrics.Metrics
	log      logger.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	serving atomic.Bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger overrides the logger.
func WithLogger(log logger.Logger) ServiceOption {
	return func(s *Service) { s.log = log }
}

// WithMetrics overrides the metric set; tests pass one backed by a private
// registry.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithRand overrides the deception randomness source; tests seed it.
func WithRand(rng *rand.Rand) ServiceOption {
	return func(s *Service) { s.rng = rng }
}

// WithOriginClient overrides the HTTP client used for origin calls.
func WithOriginClient(client *http.Client) ServiceOption {
	return func(s *Service) { s.origin = client }
}

// NewService creates the egress service. The session store it owns is closed
// by Close.
func NewService(cfg config.CoreBConfig, engine *crypto.Engine, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:     cfg,
		engine:  engine,
		origin:  &http.Client{},
		metrics: metrics.Default(),
		log:     logger.NewDefault(),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessions = session.NewStore(cfg.SessionTTL,
		session.WithMaxSessions(cfg.MaxSessions),
		session.WithEvictionHook(func(string) { s.metrics.ActiveSessions.Dec() }),
	)
	s.serving.Store(true)
	return s
}

// SetServing flips the health state reported to Core-A probes; the shutdown
// path uses it to drain before GracefulStop.
func (s *Service) SetServing(serving bool) {
	s.serving.Store(serving)
}

// Close releases the session store.
func (s *Service) Close() {
	s.sessions.Close()
}

// HealthCheck implements rpc.GatewayServer.
func (s *Service) HealthCheck(ctx context.Context, req *rpc.HealthCheckRequest) (*rpc.HealthCheckResponse, error) {
	if s.serving.Load() {
		return &rpc.HealthCheckResponse{Status: rpc.StatusServing}, nil
	}
	return &rpc.HealthCheckResponse{Status: rpc.StatusNotServing}, nil
}

// Process implements rpc.GatewayServer: session lookup, envelope open,
// origin replay, envelope seal, deception.
func (s *Service) Process(ctx context.Context, req *rpc.ProcessRequest) (*rpc.ProcessResponse, error) {
	traceID := req.Metadata["trace_id"]
	log := s.log.WithFields(logger.String("trace_id", traceID))

	sessionID := string(req.PublicKey)
	key, created, err := s.sessions.Ensure(sessionID, func() ([]byte, error) {
		return s.engine.DeriveSharedKey(req.PublicKey)
	})
	if err != nil {
		if errors.Is(err, session.ErrExpired) {
			s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeSessionExpired).Inc()
			log.Info("session expired, forcing re-handshake")
			return nil, status.Error(codes.Unauthenticated, "Session expired. Please re-handshake.")
		}
		// Derivation failed: the sender's key never parsed, so no session
		// exists to speak of.
		log.Warn("session key derivation failed", logger.Error(err))
		return nil, status.Error(codes.Unauthenticated, "invalid client public key")
	}
	if created {
		s.metrics.ActiveSessions.Inc()
		log.Info("session created", logger.Int("active", s.sessions.Len()))
	}

	ad := message.CanonicalMetadata(req.Metadata)
	plaintext, err := crypto.Open(key, req.EncryptedPayload, ad)
	if err != nil {
		return s.cryptoFailure(log, err), nil
	}
	inner, err := message.DecodeRequest(plaintext)
	if err != nil {
		// Missing routing information is indistinguishable from tampering.
		return s.cryptoFailure(log, err), nil
	}

	originRes, err := s.callOrigin(ctx, inner)
	if err != nil {
		s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUpstreamError).Inc()
		log.Warn("origin request failed", logger.Error(err))
		return s.sealedUpstreamError(key)
	}

	payload, err := message.EncodeResponse(originRes)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	responseMetadata := map[string]string{"status": strconv.Itoa(originRes.StatusCode)}
	sealed, err := crypto.Seal(key, payload, message.CanonicalMetadata(responseMetadata))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "seal response: %v", err)
	}

	fake, deceptive := s.deceptionStatus(originRes.StatusCode)
	if deceptive {
		s.metrics.DeceptionEvents.WithLabelValues(strconv.Itoa(int(fake))).Inc()
		s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeDeceptive).Inc()
	} else {
		s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeHonest).Inc()
	}
	log.Debug("request proxied",
		logger.Int("origin_status", originRes.StatusCode),
		logger.Int("outer_status", int(fake)),
		logger.Bool("deceptive", deceptive),
	)

	return &rpc.ProcessResponse{
		FakeHTTPStatus:   fake,
		EncryptedPayload: sealed,
		Metadata:         responseMetadata,
	}, nil
}

// cryptoFailure records the error and answers with a bare fake 400: no
// payload, no origin call, nothing for an observer to correlate.
func (s *Service) cryptoFailure(log logger.Logger, err error) *rpc.ProcessResponse {
	s.metrics.CryptoErrors.Inc()
	s.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeCryptoError).Inc()
	log.Warn("envelope rejected", logger.Error(err))
	return &rpc.ProcessResponse{FakeHTTPStatus: 400}
}

// sealedUpstreamError reports an unreachable origin as a sealed inner 502 so
// the error path is indistinguishable on the wire from a normal response.
func (s *Service) sealedUpstreamError(key []byte) (*rpc.ProcessResponse, error) {
	inner := &message.Response{
		StatusCode: http.StatusBadGateway,
		Headers:    map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:       []byte("upstream unreachable"),
	}
	payload, err := message.EncodeResponse(inner)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode upstream error: %v", err)
	}
	responseMetadata := map[string]string{"status": strconv.Itoa(inner.StatusCode)}
	sealed, err := crypto.Seal(key, payload, message.CanonicalMetadata(responseMetadata))
	if err != nil {
		return nil, status.Errorf(codes.Internal, "seal upstream error: %v", err)
	}
	return &rpc.ProcessResponse{
		FakeHTTPStatus:   500,
		EncryptedPayload: sealed,
		Metadata:         responseMetadata,
	}, nil
}

// callOrigin replays the decrypted request against the protected origin and
// buffers the full response.
func (s *Service) callOrigin(ctx context.Context, inner *message.Request) (*message.Response, error) {
	var body io.Reader
	if len(inner.Body) > 0 {
		body = bytes.NewReader(inner.Body)
	}
	req, err := http.NewRequestWithContext(ctx, inner.Method, s.cfg.TargetAppURL+inner.Path, body)
	if err != nil {
		return nil, err
	}
	for k, v := range inner.Headers {
		req.Header.Set(k, v)
	}

	res, err := s.origin.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(res.Header))
	for k, values := range res.Header {
		headers[k] = strings.Join(values, ", ")
	}
	return &message.Response{
		StatusCode: res.StatusCode,
		Headers:    headers,
		Body:       resBody,
	}, nil
}

// deceptionStatus draws the outer status: a fair coin decides honesty, and a
// lie is uniform over the fake pool.
func (s *Service) deceptionStatus(originStatus int) (uint32, bool) {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	if s.rng.Intn(2) == 0 {
		return uint32(originStatus), false
	}
	return fakeStatuses[s.rng.Intn(len(fakeStatuses))], true
}
