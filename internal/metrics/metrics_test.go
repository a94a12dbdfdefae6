package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.RecordRequest("GET", 200, 100*time.Millisecond)
	c.RecordRequest("GET", 200, 200*time.Millisecond)
	c.RecordRequest("POST", 502, 50*time.Millisecond)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("GET", "200")); got != 2 {
		t.Errorf("expected 2 GET 200 requests, got %v", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("POST", "502")); got != 1 {
		t.Errorf("expected 1 POST 502 request, got %v", got)
	}
	if n := testutil.CollectAndCount(c.requestDurations); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestCollectorReloads(t *testing.T) {
	c := NewCollector(nil)
	c.RecordReload(true)
	c.RecordReload(false)
	c.RecordReload(false)

	if got := testutil.ToFloat64(c.reloads.WithLabelValues("failure")); got != 2 {
		t.Errorf("expected 2 failed reloads, got %v", got)
	}
}

func TestCollectorMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	handler := c.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/", nil))

	expected := `
# HELP hostbridge_http_requests_total Requests served by method and status code.
# TYPE hostbridge_http_requests_total counter
hostbridge_http_requests_total{method="PUT",status="418"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "hostbridge_http_requests_total"); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(c.inFlight); got != 0 {
		t.Errorf("in flight = %v", got)
	}
}
