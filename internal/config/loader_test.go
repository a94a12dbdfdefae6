package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/wudi/hostbridge/internal/bridge"
)

func TestLoaderParse(t *testing.T) {
	yaml := `
server:
  address: ":9000"
  read_timeout: 10s

wasm:
  runtime_mode: interpreter
  max_memory_pages: 32
  alloc_exports: [alloc]

filter:
  name: headers
  path: /filters/headers.wasm
  pool_size: 2
  timeout: 50ms
  resume_delay: 1s
  max_requests_per_instance: 100
  headers:
    qq: gg
    ab: cc
    woo: hoo
`

	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.Address != ":9000" {
		t.Errorf("expected address :9000, got %s", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("expected default write_timeout 30s, got %v", cfg.Server.WriteTimeout)
	}
	if cfg.Wasm.RuntimeMode != "interpreter" || cfg.Wasm.MaxMemoryPages != 32 {
		t.Errorf("unexpected wasm config: %+v", cfg.Wasm)
	}
	if !reflect.DeepEqual(cfg.Wasm.AllocExports, []string{"alloc"}) {
		t.Errorf("alloc_exports = %v", cfg.Wasm.AllocExports)
	}
	if cfg.Wasm.ModuleName != bridge.ModuleName {
		t.Errorf("expected default module name, got %q", cfg.Wasm.ModuleName)
	}
	if cfg.Filter.Timeout != 50*time.Millisecond || cfg.Filter.ResumeDelay != time.Second {
		t.Errorf("unexpected filter timings: %+v", cfg.Filter)
	}
	if cfg.Filter.MaxRequestsPerInstance != 100 {
		t.Errorf("expected max_requests_per_instance 100, got %d", cfg.Filter.MaxRequestsPerInstance)
	}

	want := bridge.HeadersFromPairs("qq", "gg", "ab", "cc", "woo", "hoo")
	if got := cfg.Filter.StaticHeaders(); !reflect.DeepEqual(got, want) {
		t.Errorf("static headers = %v, want %v (order must be kept)", got, want)
	}
}

func TestLoaderDefaults(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte("filter:\n  path: f.wasm\n"))
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultConfig()
	if cfg.Filter.PoolSize != def.Filter.PoolSize || cfg.Filter.ResumeDelay != 5*time.Second {
		t.Errorf("defaults not applied: %+v", cfg.Filter)
	}
	if !reflect.DeepEqual(cfg.Wasm.AllocExports, bridge.DefaultAllocExports) {
		t.Errorf("alloc_exports = %v", cfg.Wasm.AllocExports)
	}
	if cfg.Logging.Level != "info" || !cfg.Admin.Enabled {
		t.Errorf("unexpected defaults: %+v %+v", cfg.Logging, cfg.Admin)
	}
}

func TestStaticHeaders_Scalars(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(`
filter:
  path: f.wasm
  headers:
    content-length: 42
    x-flag: true
    x-empty:
`))
	if err != nil {
		t.Fatal(err)
	}
	want := bridge.HeadersFromPairs("content-length", "42", "x-flag", "true", "x-empty", "")
	if got := cfg.Filter.StaticHeaders(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("TEST_FILTER_PATH", "/opt/filter.wasm")

	yaml := `
filter:
  path: ${TEST_FILTER_PATH}
  headers:
    x-unset: ${TEST_UNSET_VAR_HOSTBRIDGE}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Filter.Path != "/opt/filter.wasm" {
		t.Errorf("expected expanded path, got %q", cfg.Filter.Path)
	}
	if v, _ := cfg.Filter.StaticHeaders().Get("x-unset"); v != "${TEST_UNSET_VAR_HOSTBRIDGE}" {
		t.Errorf("unset variables must be kept, got %q", v)
	}
}

func TestLoaderValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing filter path", "server:\n  address: ':1'\n", "filter.path is required"},
		{"bad runtime mode", "wasm:\n  runtime_mode: jit\nfilter:\n  path: f.wasm\n", "runtime_mode"},
		{"too many pages", "wasm:\n  max_memory_pages: 70000\nfilter:\n  path: f.wasm\n", "max_memory_pages"},
		{"negative pool", "filter:\n  path: f.wasm\n  pool_size: -1\n", "pool_size"},
		{"negative delay", "filter:\n  path: f.wasm\n  resume_delay: -1s\n", "resume_delay"},
		{"bad log format", "logging:\n  format: xml\nfilter:\n  path: f.wasm\n", "logging.format"},
		{"sample rate", "tracing:\n  sample_rate: 2\nfilter:\n  path: f.wasm\n", "sample_rate"},
		{"empty alloc export", "wasm:\n  alloc_exports: ['']\nfilter:\n  path: f.wasm\n", "alloc_exports"},
		{"breaker threshold", "filter:\n  path: f.wasm\n  circuit_breaker:\n    enabled: true\n    failure_threshold: 0\n", "circuit_breaker"},
		{"admin address", "admin:\n  enabled: true\n  address: ''\nfilter:\n  path: f.wasm\n", "admin.address"},
		{"invalid yaml", "filter: [", "failed to parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoaderLoad_RelativeFilterPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostbridge.yaml")
	if err := os.WriteFile(path, []byte("filter:\n  path: filters/f.wasm\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(dir, "filters", "f.wasm"); cfg.Filter.Path != want {
		t.Errorf("expected %q, got %q", want, cfg.Filter.Path)
	}

	if _, err := NewLoader().Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
