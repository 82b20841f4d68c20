// Package main contains integration tests for the API server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/presence/internal/api"
	"github.com/onnwee/presence/internal/auth"
	"github.com/onnwee/presence/internal/idempotency"
	"github.com/onnwee/presence/internal/ledger"
	"github.com/onnwee/presence/internal/middleware"
	"github.com/onnwee/presence/internal/network"
	"github.com/onnwee/presence/internal/verification"
)

const testSecret = "router-test-secret-with-enough-entropy"

// stubVerifier counts calls and returns an empty result.
type stubVerifier struct {
	mu    sync.Mutex
	calls int
}

func (s *stubVerifier) Verify(ctx context.Context, in verification.Input) (*verification.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &verification.Result{}, nil
}

type testRouter struct {
	handler  http.Handler
	jwt      *auth.JWTService
	verifier *stubVerifier
}

func newTestRouter(t *testing.T, verifyPerMinute int, opts ...func(*routerConfig)) *testRouter {
	t.Helper()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	metrics := middleware.NewMetrics()
	if err := metrics.Register(registry); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	policies := network.NewInMemoryPolicyRepository()
	if err := policies.Save(context.Background(), network.Policy{ID: "campus", NamePattern: "Campus-*", Active: true}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	jwtService := auth.NewJWTService(auth.Config{Secret: testSecret})
	verifier := &stubVerifier{}
	attendance := ledger.New(ledger.NewInMemoryRepository(), ledger.DailyPeriod(time.UTC))
	cfg := routerConfig{
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{}),
		Attendance: api.NewAttendanceHandlers(api.AttendanceHandlersConfig{
			Verifier: verifier,
			Reader:   attendance,
			Logger:   logger,
		}),
		Network:     api.NewNetworkHandlers(network.NewChecker(policies), logger),
		Reports:     api.NewReportHandlers(attendance, logger),
		Auth:        jwtService,
		Limits:      middleware.NewInMemoryRateLimitStore(),
		VerifyLimit: middleware.VerifyLimit(verifyPerMinute),
		GlobalLimit: middleware.DefaultGlobalLimit(),
		Idempotency: idempotency.NewInMemoryRepository(),
		Metrics:     metrics,
		Gatherer:    registry,
		Logger:      logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &testRouter{handler: newRouter(cfg), jwt: jwtService, verifier: verifier}
}

func (tr *testRouter) token(t *testing.T, identityID string) string {
	t.Helper()
	token, err := tr.jwt.GenerateAccessToken(identityID)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	return token
}

func (tr *testRouter) adminToken(t *testing.T) string {
	t.Helper()
	token, err := tr.jwt.GenerateRoleToken("operator-1", auth.RoleAdmin)
	if err != nil {
		t.Fatalf("GenerateRoleToken() error = %v", err)
	}
	return token
}

func (tr *testRouter) do(method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = "192.0.2.10:5000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	tr.handler.ServeHTTP(w, req)
	return w
}

func TestRouter_Routes(t *testing.T) {
	tr := newTestRouter(t, 10)
	token := tr.token(t, "student-1")
	admin := tr.adminToken(t)

	tests := []struct {
		name       string
		method     string
		path       string
		token      string
		wantStatus int
		wantCode   string
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK, ""},
		{"ready", http.MethodGet, "/ready", "", http.StatusOK, ""},
		{"root", http.MethodGet, "/", "", http.StatusOK, ""},
		{"unknown path", http.MethodGet, "/v1/unknown", "", http.StatusNotFound, api.ErrCodeNotFound},
		{"network requirements", http.MethodGet, "/v1/network/requirements", "", http.StatusOK, ""},
		{"network check", http.MethodPost, "/v1/network/check", "", http.StatusOK, ""},
		{"history requires auth", http.MethodGet, "/v1/attendance/history", "", http.StatusUnauthorized, ""},
		{"history", http.MethodGet, "/v1/attendance/history", token, http.StatusOK, ""},
		{"summary", http.MethodGet, "/v1/attendance/summary?period=2026-10-17", token, http.StatusOK, ""},
		{"attempt bad id", http.MethodGet, "/v1/attendance/attempts/not-a-uuid", token, http.StatusBadRequest, ""},
		{"unknown attempt", http.MethodGet, "/v1/attendance/attempts/4b7b8f9e-2f43-4d62-9d5b-0c8a4d1e6a01", token, http.StatusNotFound, ""},
		{"verify requires auth", http.MethodPost, "/v1/attendance/verify", "", http.StatusUnauthorized, ""},
		{"report requires auth", http.MethodGet, "/v1/admin/attendance/report", "", http.StatusUnauthorized, middleware.ErrCodeAuthRequired},
		{"report requires admin", http.MethodGet, "/v1/admin/attendance/report", token, http.StatusForbidden, middleware.ErrCodeForbidden},
		{"report", http.MethodGet, "/v1/admin/attendance/report?period=2026-10-17&limit=5", admin, http.StatusOK, ""},
		{"report bad offset", http.MethodGet, "/v1/admin/attendance/report?offset=x", admin, http.StatusBadRequest, api.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := tr.do(tt.method, tt.path, tt.token)
			if w.Code != tt.wantStatus {
				t.Fatalf("%s %s status = %d, want %d, body: %s", tt.method, tt.path, w.Code, tt.wantStatus, w.Body.String())
			}
			if w.Header().Get(middleware.RequestIDHeader) == "" {
				t.Errorf("missing %s header", middleware.RequestIDHeader)
			}
			if tt.wantCode == "" {
				return
			}
			var body struct {
				Error struct {
					Code string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", body.Error.Code, tt.wantCode)
			}
		})
	}

	if tr.verifier.calls != 0 {
		t.Errorf("verifier called %d times for unauthenticated verify, want 0", tr.verifier.calls)
	}
}

func TestRouter_VerifyRateLimitedPerIdentity(t *testing.T) {
	tr := newTestRouter(t, 1)
	alice := tr.token(t, "alice")
	bob := tr.token(t, "bob")

	// The empty body is rejected by the handler but still counts.
	if w := tr.do(http.MethodPost, "/v1/attendance/verify", alice); w.Code != http.StatusBadRequest {
		t.Fatalf("first verify status = %d, want 400", w.Code)
	}
	w := tr.do(http.MethodPost, "/v1/attendance/verify", alice)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second verify status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}

	if w := tr.do(http.MethodPost, "/v1/attendance/verify", bob); w.Code != http.StatusBadRequest {
		t.Errorf("other identity status = %d, want 400", w.Code)
	}
}

func verifyRequest(t *testing.T, token, idempotencyKey string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile(api.FieldImage, "capture.jpg")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write([]byte("jpeg-bytes"))
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart Close() error = %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/attendance/verify", body)
	req.RemoteAddr = "192.0.2.10:5000"
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(middleware.IdempotencyKeyHeader, idempotencyKey)
	return req
}

func TestRouter_VerifyIdempotentReplay(t *testing.T) {
	tr := newTestRouter(t, 1)
	token := tr.token(t, "student-1")

	first := httptest.NewRecorder()
	tr.handler.ServeHTTP(first, verifyRequest(t, token, "capture-42"))
	if first.Code != http.StatusOK {
		t.Fatalf("first verify status = %d, want 200, body: %s", first.Code, first.Body.String())
	}

	// The limit is one per minute; the replay must not count against it.
	second := httptest.NewRecorder()
	tr.handler.ServeHTTP(second, verifyRequest(t, token, "capture-42"))
	if second.Code != http.StatusOK {
		t.Fatalf("replayed verify status = %d, want 200", second.Code)
	}
	if second.Header().Get(middleware.IdempotentReplayHeader) != "true" {
		t.Errorf("missing %s header", middleware.IdempotentReplayHeader)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body = %s, want %s", second.Body.String(), first.Body.String())
	}
	if tr.verifier.calls != 1 {
		t.Errorf("verifier calls = %d, want 1", tr.verifier.calls)
	}
}

func TestRouter_SpoofedForwardedForSharesGlobalLimit(t *testing.T) {
	tr := newTestRouter(t, 10, func(cfg *routerConfig) {
		cfg.GlobalLimit = middleware.RateLimitConfig{RequestsPerWindow: 2, WindowDuration: time.Minute}
	})

	var last int
	for i, spoofed := range []string{"203.0.113.1", "203.0.113.2", "203.0.113.3"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "192.0.2.10:5000"
		req.Header.Set("X-Forwarded-For", spoofed)
		w := httptest.NewRecorder()
		tr.handler.ServeHTTP(w, req)
		last = w.Code
		if i < 2 && w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429; untrusted X-Forwarded-For must not pick the limit key", last)
	}
}

func TestRouter_TrustedProxyForwardsClientAddress(t *testing.T) {
	tr := newTestRouter(t, 10, func(cfg *routerConfig) {
		cfg.GlobalLimit = middleware.RateLimitConfig{RequestsPerWindow: 1, WindowDuration: time.Minute}
		proxies, err := middleware.ParseTrustedProxies([]string{"10.0.0.0/8"})
		if err != nil {
			t.Fatalf("ParseTrustedProxies() error = %v", err)
		}
		cfg.Proxies = proxies
	})

	for _, client := range []string{"203.0.113.1", "203.0.113.2"} {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.1.2.3:443"
		req.Header.Set("X-Forwarded-For", client)
		w := httptest.NewRecorder()
		tr.handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("client %s status = %d, want 200; each forwarded client has its own quota", client, w.Code)
		}
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	tr := newTestRouter(t, 10)

	tr.do(http.MethodGet, "/health", "")
	tr.do(http.MethodGet, "/v1/attendance/history", "")
	w := tr.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := w.Body.String()
	if !strings.Contains(body, `route="/v1/attendance/history",status="401"`) {
		t.Errorf("metrics output missing the unauthenticated history request:\n%s", body)
	}
	if strings.Contains(body, `route="/health"`) {
		t.Error("health checks recorded in request metrics")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// waitForServer polls addr until it accepts connections.
func waitForServer(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server failed to start in time")
}

func TestServe_GracefulShutdown(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	started := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("done"))
	})

	addr := freeAddr(t)
	server := &http.Server{Addr: addr, Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- serve(ctx, server, logger) }()
	waitForServer(t, addr)

	type result struct {
		status int
		body   string
		err    error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := http.Get("http://" + addr + "/slow")
		if err != nil {
			resCh <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		resCh <- result{status: resp.StatusCode, body: string(body)}
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight request never reached the handler")
	}
	cancel()

	res := <-resCh
	if res.err != nil {
		t.Fatalf("in-flight request failed: %v", res.err)
	}
	if res.status != http.StatusOK || res.body != "done" {
		t.Errorf("in-flight response = (%d, %q), want (200, \"done\")", res.status, res.body)
	}

	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("serve() error = %v", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("serve() did not return after shutdown")
	}

	logs := logBuf.String()
	startIdx := strings.Index(logs, "starting server")
	shutdownIdx := strings.Index(logs, "shutting down server")
	stoppedIdx := strings.Index(logs, "server stopped")
	if startIdx == -1 || shutdownIdx == -1 || stoppedIdx == -1 {
		t.Fatalf("missing lifecycle log lines: %s", logs)
	}
	if !(startIdx < shutdownIdx && shutdownIdx < stoppedIdx) {
		t.Errorf("lifecycle logs out of order: start=%d shutdown=%d stopped=%d", startIdx, shutdownIdx, stoppedIdx)
	}
}

func TestServe_ListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}
	defer ln.Close()

	server := &http.Server{Addr: ln.Addr().String(), Handler: http.NewServeMux()}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	err = serve(context.Background(), server, logger)
	if err == nil {
		t.Fatal("serve() on a bound address returned nil, want error")
	}
}
