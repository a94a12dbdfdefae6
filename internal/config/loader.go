package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file. A relative filter path is
// resolved against the directory of the file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := l.Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Filter.Path != "" && !filepath.IsAbs(cfg.Filter.Path) {
		cfg.Filter.Path = filepath.Join(filepath.Dir(path), cfg.Filter.Path)
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", cfg.Logging.Format)
	}

	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	switch cfg.Wasm.RuntimeMode {
	case "", "compiler", "interpreter":
	default:
		return fmt.Errorf("wasm.runtime_mode must be compiler or interpreter, got %q", cfg.Wasm.RuntimeMode)
	}
	if cfg.Wasm.MaxMemoryPages < 0 || cfg.Wasm.MaxMemoryPages > 65536 {
		return fmt.Errorf("wasm.max_memory_pages must be between 0 and 65536")
	}
	if cfg.Wasm.ModuleName == "" {
		return fmt.Errorf("wasm.module_name is required")
	}
	for i, name := range cfg.Wasm.AllocExports {
		if name == "" {
			return fmt.Errorf("wasm.alloc_exports[%d] is empty", i)
		}
	}
	if cfg.Wasm.LogRate < 0 || cfg.Wasm.LogBurst < 0 {
		return fmt.Errorf("wasm.log_rate and wasm.log_burst must not be negative")
	}

	f := cfg.Filter
	if f.Path == "" {
		return fmt.Errorf("filter.path is required")
	}
	if f.PoolSize < 0 {
		return fmt.Errorf("filter %s: pool_size must not be negative", f.Name)
	}
	if f.Timeout < 0 || f.ResumeDelay < 0 {
		return fmt.Errorf("filter %s: timeout and resume_delay must not be negative", f.Name)
	}
	if f.MaxRequestsPerInstance < 0 {
		return fmt.Errorf("filter %s: max_requests_per_instance must not be negative", f.Name)
	}
	if cb := f.CircuitBreaker; cb.Enabled && (cb.FailureThreshold <= 0 || cb.MaxRequests <= 0) {
		return fmt.Errorf("filter %s: circuit_breaker needs a positive failure_threshold and max_requests", f.Name)
	}
	for i, item := range f.Headers {
		if _, ok := item.Key.(string); !ok {
			return fmt.Errorf("filter %s: header %d: key %v is not a string", f.Name, i, item.Key)
		}
	}

	return nil
}
