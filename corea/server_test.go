package corea

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/Lotargo/Aegis-Core/config"
	"github.com/Lotargo/Aegis-Core/crypto"
	"github.com/Lotargo/Aegis-Core/internal/logger"
	"github.com/Lotargo/Aegis-Core/rpc"
)

// recordingGateway counts Process calls; tests use it to prove the size gate
// fires before any RPC.
type recordingGateway struct {
	processCalls int
}

func (g *recordingGateway) HealthCheck(ctx context.Context, req *rpc.HealthCheckRequest) (*rpc.HealthCheckResponse, error) {
	return &rpc.HealthCheckResponse{Status: rpc.StatusServing}, nil
}

func (g *recordingGateway) Process(ctx context.Context, req *rpc.ProcessRequest) (*rpc.ProcessResponse, error) {
	g.processCalls++
	return &rpc.ProcessResponse{FakeHTTPStatus: 200}, nil
}

func dialGateway(t *testing.T, impl rpc.GatewayServer) *rpc.GatewayClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	rpc.RegisterGatewayServer(srv, impl)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(rpc.CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return rpc.NewGatewayClient(conn)
}

func newTestServer(t *testing.T, gateway rpc.GatewayServer, handshakeURL string, maxSize int64) (*Server, *crypto.Engine) {
	t.Helper()
	engine, err := crypto.New()
	require.NoError(t, err)

	cfg := config.CoreAConfig{
		CoreBHTTPURL:   handshakeURL,
		MaxRequestSize: maxSize,
	}
	srv := NewServer(cfg, engine, dialGateway(t, gateway), WithLogger(logger.Nop()))
	return srv, engine
}

// unsizedReader hides its length so httptest.NewRequest cannot set a
// Content-Length header.
type unsizedReader struct{ r io.Reader }

func (u unsizedReader) Read(p []byte) (int, error) { return u.r.Read(p) }

func TestHealth_ReflectsSessionState(t *testing.T) {
	srv, _ := newTestServer(t, &recordingGateway{}, "http://localhost:1", 1024)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, false, body["session_ready"])
}

func TestProxy_ContentLengthGate(t *testing.T) {
	gateway := &recordingGateway{}
	srv, _ := newTestServer(t, gateway, "http://localhost:1", 1024)

	t.Run("declared too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("ignored"))
		req.Header.Set("Content-Length", "2048")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("unparseable", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("x"))
		req.Header.Set("Content-Length", "many bytes")
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	// Neither request may reach the RPC layer.
	require.Equal(t, 0, gateway.processCalls)
}

func TestProxy_StreamOverflowGate(t *testing.T) {
	gateway := &recordingGateway{}
	srv, _ := newTestServer(t, gateway, "http://localhost:1", 1024)

	// 2 KiB body with no Content-Length: only the streamed accumulation can
	// catch it.
	body := unsizedReader{r: strings.NewReader(strings.Repeat("A", 2048))}
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	require.Equal(t, 0, gateway.processCalls)
}

func TestProxy_NotReadyWithoutHandshake(t *testing.T) {
	// Handshake endpoint unreachable: the lazy attempt fails and the
	// request is refused.
	srv, _ := newTestServer(t, &recordingGateway{}, "http://localhost:1", 1024)

	req := httptest.NewRequest(http.MethodGet, "/whatever", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.False(t, srv.SessionReady())
}

func TestProxy_LazyHandshakeRecovers(t *testing.T) {
	peer, err := crypto.New()
	require.NoError(t, err)
	keyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/public-key", r.URL.Path)
		_, _ = w.Write(peer.PublicKeyPEM())
	}))
	defer keyServer.Close()

	// Gateway answers with an unopenable payload; the point here is only
	// that the lazy handshake establishes a key.
	srv, _ := newTestServer(t, &recordingGateway{}, keyServer.URL, 1024)
	require.False(t, srv.SessionReady())

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.True(t, srv.SessionReady())
	// The stub's empty envelope cannot decrypt: secure-channel error.
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), "Secure Channel Error")
}

func TestHandshake_BadPeerKey(t *testing.T) {
	keyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("junk"))
	}))
	defer keyServer.Close()

	srv, _ := newTestServer(t, &recordingGateway{}, keyServer.URL, 1024)
	err := srv.Handshake(context.Background())
	require.Error(t, err)
	require.False(t, srv.SessionReady())
}

func TestWaitForGateway_Succeeds(t *testing.T) {
	srv, _ := newTestServer(t, &recordingGateway{}, "http://localhost:1", 1024)
	require.NoError(t, srv.WaitForGateway(context.Background()))
}

func TestFlattenHeaders_StripsHost(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "client.example")
	h.Set("X-Token", "abc")
	h.Add("Accept", "text/html")
	h.Add("Accept", "application/json")

	out := flattenHeaders(h)
	require.NotContains(t, out, "Host")
	require.Equal(t, "abc", out["X-Token"])
	require.Equal(t, "text/html, application/json", out["Accept"])
}
