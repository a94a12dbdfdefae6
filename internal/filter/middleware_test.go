package filter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/wudi/hostbridge/internal/bridge"
	"github.com/wudi/hostbridge/internal/middleware"
)

func serve(t *testing.T, f *Filter, req *http.Request) (*httptest.ResponseRecorder, bool) {
	t.Helper()
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})
	handler := middleware.NewChain(
		middleware.RequestID(),
		Middleware(func() *Filter { return f }),
	).Then(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, called
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestMiddleware_HeaderFlow(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newTestFilter(t, e, testFilterConfig(), guestSpec{body: echoBody})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("QQ", "gg")
	rec, called := serve(t, f, req)

	if !called {
		t.Fatal("next handler not called")
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Qq"); got != "gg" {
		t.Errorf("x-qq = %q, want gg", got)
	}
}

func TestMiddleware_MissingHeader(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newTestFilter(t, e, testFilterConfig(), guestSpec{body: echoBody})

	rec, called := serve(t, f, httptest.NewRequest(http.MethodGet, "/", nil))
	if !called {
		t.Fatal("next handler not called")
	}
	if vals, ok := rec.Header()["X-Qq"]; !ok || vals[0] != "" {
		t.Errorf("expected empty x-qq, got %v", rec.Header())
	}
}

func TestMiddleware_PauseResumes(t *testing.T) {
	e, m := newTestEngine(t)
	cfg := testFilterConfig()
	cfg.ResumeDelay = 20 * time.Millisecond
	f := newTestFilter(t, e, cfg, guestSpec{counter: 1, body: pauseOnceBody})

	start := time.Now()
	rec, called := serve(t, f, httptest.NewRequest(http.MethodGet, "/", nil))

	if !called {
		t.Fatal("paused request should continue after the resume delay")
	}
	if elapsed := time.Since(start); elapsed < cfg.ResumeDelay {
		t.Errorf("resumed after %s, want at least %s", elapsed, cfg.ResumeDelay)
	}
	if rec.Header().Get("X-Wasm") != "true" {
		t.Errorf("headers = %v", rec.Header())
	}
	if got := testutil.ToFloat64(m.invocations.WithLabelValues("test", "pause")); got != 1 {
		t.Errorf("pause invocations = %v", got)
	}
	if got := testutil.ToFloat64(m.invocations.WithLabelValues("test", "continue")); got != 1 {
		t.Errorf("continue invocations = %v", got)
	}
}

func TestMiddleware_PauseCanceled(t *testing.T) {
	e, _ := newTestEngine(t)
	cfg := testFilterConfig()
	cfg.ResumeDelay = time.Minute
	f := newTestFilter(t, e, cfg, guestSpec{counter: 1, body: pauseOnceBody})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, called := serve(t, f, httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx))
	if called {
		t.Error("canceled request should not reach next")
	}
}

func TestMiddleware_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     func(guestImports) [][]byte
		timeout  time.Duration
		wantCode int
	}{
		{"trap", trapBody, time.Second, http.StatusBadGateway},
		{"timeout", spinBody, 50 * time.Millisecond, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t)
			cfg := testFilterConfig()
			cfg.Timeout = tt.timeout
			f := newTestFilter(t, e, cfg, guestSpec{body: tt.body})

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Request-ID", "req-1")
			rec, called := serve(t, f, req)

			if called {
				t.Error("next handler should not be called")
			}
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decodeError(t, rec)
			if body["filter"] != "test" || body["request_id"] != "req-1" {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestMiddleware_NoFilter(t *testing.T) {
	rec, called := serve(t, nil, httptest.NewRequest(http.MethodGet, "/", nil))
	if called {
		t.Error("next handler should not be called")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestMiddleware_UsesRequestSequence(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newTestFilter(t, e, testFilterConfig(), guestSpec{body: idBody})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(middleware.WithRequestID(req.Context(), "r", 99))
	rec := httptest.NewRecorder()
	Middleware(func() *Filter { return f })(http.NotFoundHandler()).ServeHTTP(rec, req)

	s, err := f.NewStream(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close(context.Background())
	if id, _ := s.inst.Module().Memory().ReadUint32Le(idSlot); id != 99 {
		t.Errorf("guest saw context id %d, want 99", id)
	}
}

func TestRequestHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("X-B", "2")
	req.Header.Add("X-A", "1")
	req.Header.Add("X-A", "ignored")

	want := bridge.Headers{
		{Key: "host", Value: "example.com"},
		{Key: "x-a", Value: "1"},
		{Key: "x-b", Value: "2"},
	}
	if got := RequestHeaders(req); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestHolder_Swap(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := newTestFilter(t, e, testFilterConfig(), guestSpec{})
	b := newTestFilter(t, e, testFilterConfig(), guestSpec{onDestroy: true})

	h := NewHolder(a)
	if h.Load() != a {
		t.Fatal("holder should start with a")
	}
	h.Swap(ctx, b)
	if h.Load() != b {
		t.Fatal("holder should serve b")
	}
	if _, err := a.NewStream(ctx, 1); err == nil {
		t.Error("replaced filter should be closed")
	}
	if NewHolder(nil).Load() != nil {
		t.Error("empty holder should load nil")
	}
}
