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

// Package corea implements the ingress node: the client-facing HTTP proxy
// that seals every request into an AEAD envelope, forwards it over the
// Gateway RPC, and relays the decrypted inner response. The outer RPC status
// is deception noise and is never consulted.
package corea

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lotargo/Aegis-Core/config"
	"github.com/Lotargo/Aegis-Core/crypto"
	"github.com/Lotargo/Aegis-Core/internal/logger"
	"github.com/Lotargo/Aegis-Core/message"
	"github.com/Lotargo/Aegis-Core/rpc"
)

// readChunkSize is the unit of streamed body accumulation.
const readChunkSize = 32 * 1024

// Server is the ingress node.
type Server struct {
	cfg     config.CoreAConfig
	engine  *crypto.Engine
	gateway *rpc.GatewayClient
	log     logger.Logger

	// handshakeClient fetches Core-B's public key; its timeout bounds the
	// handshake, not proxied traffic.
	handshakeClient *http.Client

	mu         sync.RWMutex
	sessionKey []byte
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger overrides the logger.
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) { s.log = log }
}

// WithHandshakeClient overrides the HTTP client used to fetch Core-B's
// public key.
func WithHandshakeClient(client *http.Client) ServerOption {
	return func(s *Server) { s.handshakeClient = client }
}

// NewServer creates the ingress server. Call Bootstrap before serving to
// establish the first session key; a failed bootstrap is non-fatal and the
// server answers 503 until a lazy handshake succeeds.
func NewServer(cfg config.CoreAConfig, engine *crypto.Engine, gateway *rpc.GatewayClient, opts ...ServerOption) *Server {
	s := &Server{
		cfg:             cfg,
		engine:          engine,
		gateway:         gateway,
		log:             logger.NewDefault(),
		handshakeClient: &http.Client{Timeout: handshakeTimeout},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the client-facing route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleProxy)
	return mux
}

// SessionReady reports whether a session key is currently held.
func (s *Server) SessionReady() bool {
	return s.currentKey() != nil
}

func (s *Server) currentKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionKey
}

func (s *Server) setKey(key []byte) {
	s.mu.Lock()
	s.sessionKey = key
	s.mu.Unlock()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":        "ok",
		"session_ready": s.SessionReady(),
	})
}

// handleProxy runs the per-request pipeline: size gate, body accumulation,
// lazy handshake, seal, RPC with expiry retry, open, relay.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Content-Length pre-check rejects oversized requests before any read.
	if raw := r.Header.Get("Content-Length"); raw != "" {
		declared, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "Invalid Content-Length", http.StatusBadRequest)
			return
		}
		if declared > s.cfg.MaxRequestSize {
			http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
			return
		}
	}

	body, ok := s.readBounded(w, r)
	if !ok {
		return
	}

	key := s.currentKey()
	if key == nil {
		// Lazy re-handshake: one attempt, then give up for this request.
		if err := s.Handshake(ctx); err != nil {
			s.log.Warn("lazy handshake failed", logger.Error(err))
			http.Error(w, "Core A is not ready: session key establishment failed.", http.StatusServiceUnavailable)
			return
		}
		key = s.currentKey()
	}

	inner := &message.Request{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: flattenHeaders(r.Header),
		Body:    body,
	}
	payload, err := message.EncodeRequest(inner)
	if err != nil {
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	traceID := uuid.NewString()
	requestMetadata := map[string]string{"trace_id": traceID}
	ad := message.CanonicalMetadata(requestMetadata)
	log := s.log.WithFields(logger.String("trace_id", traceID))

	sealed, err := crypto.Seal(key, payload, ad)
	if err != nil {
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	res, err := s.gateway.Process(ctx, &rpc.ProcessRequest{
		EncryptedPayload: sealed,
		PublicKey:        s.engine.PublicKeyPEM(),
		Metadata:         requestMetadata,
	})
	if err != nil {
		if status.Code(err) != codes.Unauthenticated {
			log.Warn("gateway call failed", logger.Error(err))
			http.Error(w, fmt.Sprintf("gRPC Error: %s", status.Convert(err).Message()), http.StatusServiceUnavailable)
			return
		}

		// Session expired on Core-B: renew the key and retry exactly once.
		log.Info("session expired, renewing key")
		if err := s.Handshake(ctx); err != nil {
			http.Error(w, "Session renewal failed.", http.StatusServiceUnavailable)
			return
		}
		key = s.currentKey()
		sealed, err = crypto.Seal(key, payload, ad)
		if err != nil {
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
		res, err = s.gateway.Process(ctx, &rpc.ProcessRequest{
			EncryptedPayload: sealed,
			PublicKey:        s.engine.PublicKeyPEM(),
			Metadata:         requestMetadata,
		})
		if err != nil {
			log.Warn("gateway retry failed", logger.Error(err))
			http.Error(w, fmt.Sprintf("gRPC Retry Error: %s", status.Convert(err).Message()), http.StatusServiceUnavailable)
			return
		}
	}

	// The outer res.FakeHTTPStatus is deception noise; only the sealed
	// payload is trusted.
	plaintext, err := crypto.Open(key, res.EncryptedPayload, message.CanonicalMetadata(res.Metadata))
	if err != nil {
		log.Warn("response envelope rejected", logger.Error(err))
		http.Error(w, "Secure Channel Error: Bad Response", http.StatusBadGateway)
		return
	}
	innerRes, err := message.DecodeResponse(plaintext)
	if err != nil {
		log.Warn("response payload malformed", logger.Error(err))
		http.Error(w, "Secure Channel Error: Bad Response", http.StatusBadGateway)
		return
	}

	relayResponse(w, innerRes)
}

// readBounded accumulates the request body in chunks, aborting as soon as the
// running total exceeds the limit; a lying Content-Length does not help a
// client smuggle a larger body through.
func (s *Server) readBounded(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	var body []byte
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Body.Read(chunk)
		if n > 0 {
			if int64(len(body)+n) > s.cfg.MaxRequestSize {
				http.Error(w, "Payload Too Large (Stream)", http.StatusRequestEntityTooLarge)
				return nil, false
			}
			body = append(body, chunk[:n]...)
		}
		if err == io.EOF {
			return body, true
		}
		if err != nil {
			http.Error(w, "Error reading request body", http.StatusBadRequest)
			return nil, false
		}
	}
}

// flattenHeaders converts the header map for the inner payload. Host is
// carried separately by net/http and so never enters the map; the guard
// covers callers that inject it manually.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		if strings.EqualFold(k, "Host") {
			continue
		}
		out[k] = strings.Join(values, ", ")
	}
	return out
}

// relayResponse writes the decrypted inner response to the client. Framing
// headers are recomputed by net/http for the relayed body.
func relayResponse(w http.ResponseWriter, res *message.Response) {
	for k, v := range res.Headers {
		switch strings.ToLower(k) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		w.Header().Set(k, v)
	}
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
}
