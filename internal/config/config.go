package config

import (
	"fmt"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/wudi/hostbridge/internal/bridge"
	"github.com/wudi/hostbridge/internal/logging"
)

// Config is the root configuration of the hostbridge process.
type Config struct {
	Logging logging.Config `yaml:"logging"`
	Server  ServerConfig   `yaml:"server"`
	Admin   AdminConfig    `yaml:"admin"`
	Tracing TracingConfig  `yaml:"tracing"`
	Wasm    WasmConfig     `yaml:"wasm"`
	Filter  FilterConfig   `yaml:"filter"`
}

// ServerConfig defines the filtered HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines the admin listener serving /metrics and /healthz.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig defines OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`    // use insecure gRPC connection
	Headers     map[string]string `yaml:"headers"`     // extra headers for OTLP exporter
}

// WasmConfig defines the shared wasm runtime and bridge settings.
type WasmConfig struct {
	RuntimeMode    string `yaml:"runtime_mode"`     // "compiler" (default) or "interpreter"
	MaxMemoryPages int    `yaml:"max_memory_pages"` // per instance, 64KiB each (default 256)
	ModuleName     string `yaml:"module_name"`      // host import module (default "env")
	// AllocExports are the guest exports tried in order to allocate memory.
	AllocExports []string `yaml:"alloc_exports"`
	// CacheSize bounds the compiled module cache (default 8).
	CacheSize int `yaml:"cache_size"`
	// LogRate limits guest log lines per second; 0 disables the limit.
	LogRate  float64 `yaml:"log_rate"`
	LogBurst int     `yaml:"log_burst"`
}

// FilterConfig defines the wasm filter run for every request.
type FilterConfig struct {
	Name     string        `yaml:"name"`
	Path     string        `yaml:"path"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
	// ResumeDelay is how long a paused request waits before onStart runs again.
	ResumeDelay time.Duration `yaml:"resume_delay"`
	// MaxRequestsPerInstance recycles an instance after that many streams;
	// 0 keeps instances forever.
	MaxRequestsPerInstance int                  `yaml:"max_requests_per_instance"`
	CircuitBreaker         CircuitBreakerConfig `yaml:"circuit_breaker"`
	// Headers is the ordered static request used by "hostbridge run".
	Headers yaml.MapSlice `yaml:"headers"`
}

// CircuitBreakerConfig stops calling a failing filter for a while.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	MaxRequests      int           `yaml:"max_requests"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StaticHeaders converts the configured header list, keeping its order.
// Non-string scalars are formatted with fmt.
func (f FilterConfig) StaticHeaders() bridge.Headers {
	var h bridge.Headers
	for _, item := range f.Headers {
		h.Set(fmt.Sprint(item.Key), scalarString(item.Value))
	}
	return h
}

func scalarString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9090",
		},
		Tracing: TracingConfig{
			ServiceName: "hostbridge",
			SampleRate:  1.0,
		},
		Wasm: WasmConfig{
			RuntimeMode:    "compiler",
			MaxMemoryPages: 256, // 16MB
			ModuleName:     bridge.ModuleName,
			AllocExports:   append([]string(nil), bridge.DefaultAllocExports...),
			CacheSize:      8,
		},
		Filter: FilterConfig{
			Name:        "default",
			PoolSize:    4,
			Timeout:     100 * time.Millisecond,
			ResumeDelay: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				MaxRequests:      1,
				Timeout:          30 * time.Second,
			},
		},
	}
}
