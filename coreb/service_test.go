package coreb

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lotargo/Aegis-Core/config"
	"github.com/Lotargo/Aegis-Core/crypto"
	"github.com/Lotargo/Aegis-Core/internal/logger"
	"github.com/Lotargo/Aegis-Core/internal/metrics"
	"github.com/Lotargo/Aegis-Core/message"
	"github.com/Lotargo/Aegis-Core/rpc"
)

type testEnv struct {
	service      *Service
	clientEngine *crypto.Engine
	sessionKey   []byte
	metrics      *metrics.Metrics
}

func newTestEnv(t *testing.T, targetURL string, ttl time.Duration) *testEnv {
	t.Helper()

	serverEngine, err := crypto.New()
	require.NoError(t, err)
	clientEngine, err := crypto.New()
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)

	cfg := config.CoreBConfig{
		TargetAppURL: targetURL,
		SessionTTL:   ttl,
		MaxSessions:  100,
	}
	svc := NewService(cfg, serverEngine,
		WithLogger(logger.Nop()),
		WithMetrics(m),
		WithRand(rand.New(rand.NewSource(1))),
	)
	t.Cleanup(svc.Close)

	key, err := clientEngine.DeriveSharedKey(serverEngine.PublicKeyPEM())
	require.NoError(t, err)

	return &testEnv{
		service:      svc,
		clientEngine: clientEngine,
		sessionKey:   key,
		metrics:      m,
	}
}

// sealRequest plays Core-A's role: seal an inner request under the session key.
func (e *testEnv) sealRequest(t *testing.T, inner *message.Request, md map[string]string) *rpc.ProcessRequest {
	t.Helper()
	payload, err := message.EncodeRequest(inner)
	require.NoError(t, err)
	sealed, err := crypto.Seal(e.sessionKey, payload, message.CanonicalMetadata(md))
	require.NoError(t, err)
	return &rpc.ProcessRequest{
		EncryptedPayload: sealed,
		PublicKey:        e.clientEngine.PublicKeyPEM(),
		Metadata:         md,
	}
}

func (e *testEnv) openResponse(t *testing.T, res *rpc.ProcessResponse) *message.Response {
	t.Helper()
	plaintext, err := crypto.Open(e.sessionKey, res.EncryptedPayload, message.CanonicalMetadata(res.Metadata))
	require.NoError(t, err)
	inner, err := message.DecodeResponse(plaintext)
	require.NoError(t, err)
	return inner
}

func TestProcess_PathFidelity(t *testing.T) {
	var gotMethod, gotPath, gotHeader string
	var gotBody []byte
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.RequestURI()
		gotHeader = r.Header.Get("X-Client-Token")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Origin", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, time.Minute)

	req := env.sealRequest(t, &message.Request{
		Method:  "POST",
		Path:    "/secret/path?x=1",
		Headers: map[string]string{"X-Client-Token": "tok", "Content-Type": "application/json"},
		Body:    []byte(`{"msg":"hello"}`),
	}, map[string]string{"trace_id": "t-1"})

	res, err := env.service.Process(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, "POST", gotMethod)
	require.Equal(t, "/secret/path?x=1", gotPath)
	require.Equal(t, "tok", gotHeader)
	require.Equal(t, []byte(`{"msg":"hello"}`), gotBody)

	inner := env.openResponse(t, res)
	require.Equal(t, http.StatusCreated, inner.StatusCode)
	require.Equal(t, "yes", inner.Headers["X-Origin"])
	require.Equal(t, []byte(`{"ok":true}`), inner.Body)
	require.Equal(t, strconv.Itoa(http.StatusCreated), res.Metadata["status"])
}

func TestProcess_TamperedMetadataRejected(t *testing.T) {
	originCalled := false
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originCalled = true
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, time.Minute)

	req := env.sealRequest(t, &message.Request{
		Method: "GET", Path: "/x", Headers: map[string]string{},
	}, map[string]string{"trace_id": "original"})

	// A man in the middle swaps the metadata after sealing.
	req.Metadata = map[string]string{"trace_id": "swapped"}

	res, err := env.service.Process(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint32(400), res.FakeHTTPStatus)
	require.Empty(t, res.EncryptedPayload)
	require.False(t, originCalled)
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.CryptoErrors))
}

func TestProcess_GarbageEnvelopeRejected(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1", time.Minute)

	res, err := env.service.Process(context.Background(), &rpc.ProcessRequest{
		EncryptedPayload: []byte("not an envelope"),
		PublicKey:        env.clientEngine.PublicKeyPEM(),
		Metadata:         map[string]string{"trace_id": "t"},
	})
	require.NoError(t, err)
	require.Equal(t, uint32(400), res.FakeHTTPStatus)
	require.Empty(t, res.EncryptedPayload)
}

func TestProcess_BadPublicKey(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1", time.Minute)

	_, err := env.service.Process(context.Background(), &rpc.ProcessRequest{
		EncryptedPayload: []byte("x"),
		PublicKey:        []byte("not a pem"),
		Metadata:         map[string]string{},
	})
	require.Error(t, err)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestProcess_SessionExpiry(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, 50*time.Millisecond)

	first := env.sealRequest(t, &message.Request{Method: "GET", Path: "/a"}, map[string]string{"trace_id": "1"})
	_, err := env.service.Process(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.ActiveSessions))

	time.Sleep(80 * time.Millisecond)

	second := env.sealRequest(t, &message.Request{Method: "GET", Path: "/b"}, map[string]string{"trace_id": "2"})
	_, err = env.service.Process(context.Background(), second)
	require.Error(t, err)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	require.Contains(t, status.Convert(err).Message(), "re-handshake")
	require.Equal(t, float64(0), testutil.ToFloat64(env.metrics.ActiveSessions))

	// The eviction freed the slot: the same client's next call re-derives
	// the identical key and succeeds.
	third := env.sealRequest(t, &message.Request{Method: "GET", Path: "/c"}, map[string]string{"trace_id": "3"})
	res, err := env.service.Process(context.Background(), third)
	require.NoError(t, err)
	inner := env.openResponse(t, res)
	require.Equal(t, http.StatusOK, inner.StatusCode)
}

func TestProcess_OriginUnreachable(t *testing.T) {
	// A closed server: transport error, not an HTTP status.
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	origin.Close()

	env := newTestEnv(t, origin.URL, time.Minute)

	req := env.sealRequest(t, &message.Request{Method: "GET", Path: "/x"}, map[string]string{"trace_id": "t"})
	res, err := env.service.Process(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, uint32(500), res.FakeHTTPStatus)
	// The error is sealed like any response; nothing readable leaks.
	inner := env.openResponse(t, res)
	require.Equal(t, http.StatusBadGateway, inner.StatusCode)
	require.Equal(t, float64(1), testutil.ToFloat64(env.metrics.RequestsTotal.WithLabelValues(metrics.OutcomeUpstreamError)))
}

func TestProcess_DeceptionIsOpaqueToClient(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	env := newTestEnv(t, origin.URL, time.Minute)

	deceptive := 0
	for i := 0; i < 50; i++ {
		req := env.sealRequest(t, &message.Request{Method: "GET", Path: "/"}, map[string]string{"trace_id": strconv.Itoa(i)})
		res, err := env.service.Process(context.Background(), req)
		require.NoError(t, err)

		// The inner status is always the origin's truth.
		inner := env.openResponse(t, res)
		require.Equal(t, http.StatusOK, inner.StatusCode)

		if res.FakeHTTPStatus != http.StatusOK {
			deceptive++
		}
	}

	// With a fair coin over 50 requests, deception must have fired.
	require.Greater(t, deceptive, 0)
	total := 0.0
	for _, s := range []uint32{200, 404, 503, 403, 500} {
		total += testutil.ToFloat64(env.metrics.DeceptionEvents.WithLabelValues(strconv.Itoa(int(s))))
	}
	require.Greater(t, total, 0.0)
}

func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t, "http://localhost:1", time.Minute)

	res, err := env.service.HealthCheck(context.Background(), &rpc.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, rpc.StatusServing, res.Status)

	env.service.SetServing(false)
	res, err = env.service.HealthCheck(context.Background(), &rpc.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, rpc.StatusNotServing, res.Status)
}
