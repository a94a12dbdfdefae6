package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/wudi/hostbridge/internal/bridge"
	"github.com/wudi/hostbridge/internal/config"
	"github.com/wudi/hostbridge/internal/wasmtest"
)

// headerGuest adds "<key>: true" to every response and continues.
func headerGuest(key string) []byte {
	const keyAt, valAt = 256, 288
	m := wasmtest.New()
	add := m.Import(bridge.ModuleName, bridge.FuncAddHeader, 5, 0)
	m.BumpAllocator("malloc", 4096)
	m.Data(keyAt, []byte(key)).Data(valAt, []byte("true"))
	m.Func("onStart", 1, 1,
		wasmtest.CallWith(add, bridge.HeaderTypeResponse, keyAt, int32(len(key)), valAt, 4),
		wasmtest.I32Const(0),
	)
	return m.Bytes()
}

func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filter.wasm")
	if err := os.WriteFile(path, headerGuest("x-first"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.Wasm.RuntimeMode = "interpreter"
	cfg.Filter.Name = "test"
	cfg.Filter.Path = path
	cfg.Filter.PoolSize = 1

	ctx := context.Background()
	s, err := New(ctx, cfg, WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close(ctx) })
	return s, cfg
}

func TestServer_EchoThroughFilter(t *testing.T) {
	s, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/anything", "text/plain", strings.NewReader("ping"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if string(body) != "ping" {
		t.Errorf("body = %q, want echo", body)
	}
	if resp.Header.Get("X-First") != "true" {
		t.Errorf("filter header missing: %v", resp.Header)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected a request id")
	}
}

func TestServer_Admin(t *testing.T) {
	s, _ := newTestServer(t)
	s.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	admin := s.AdminHandler()

	rec := httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	var health map[string]any
	json.Unmarshal(rec.Body.Bytes(), &health)
	if health["filter"] != "test" {
		t.Errorf("healthz = %v", health)
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	for _, name := range []string{
		"hostbridge_http_requests_total",
		"hostbridge_filter_invocations_total",
		"hostbridge_host_calls_total",
	} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("metrics missing %s", name)
		}
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/filter", nil))
	if !strings.Contains(rec.Body.String(), `"name":"test"`) {
		t.Errorf("filter stats = %s", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	admin.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz status = %d", rec.Code)
	}
}

func TestServer_Reload(t *testing.T) {
	s, cfg := newTestServer(t)
	ctx := context.Background()

	next := *cfg
	next.Filter.Path = filepath.Join(t.TempDir(), "second.wasm")
	if err := os.WriteFile(next.Filter.Path, headerGuest("x-second"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Reload(ctx, &next); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Second") != "true" || rec.Header().Get("X-First") != "" {
		t.Errorf("reloaded filter not serving: %v", rec.Header())
	}

	broken := next
	broken.Filter.Path = filepath.Join(t.TempDir(), "missing.wasm")
	if err := s.Reload(ctx, &broken); err == nil {
		t.Fatal("expected reload of a missing file to fail")
	}
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Header().Get("X-Second") != "true" {
		t.Error("failed reload should keep the current filter")
	}
}

func TestNew_MissingFilter(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Filter.Path = filepath.Join(t.TempDir(), "nope.wasm")
	if _, err := New(context.Background(), cfg, WithLogger(zap.NewNop())); err == nil {
		t.Fatal("expected error for a missing filter")
	}
}
