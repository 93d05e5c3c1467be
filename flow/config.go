package flow

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigEnv names the environment variable LoadConfig falls back to when
// called with an empty path.
const ConfigEnv = "FLOWMACHINE_CONFIG"

// Config is the YAML form of Options.
//
// Example:
//
//	workers: 16
//	blocking_pool: 32
//	queue_depth: 4096
//	backpressure_timeout: 10s
//	retain_terminal: false
//	retry:
//	  max_attempts: 5
//	  base_delay: 200ms
//	  max_delay: 30s
//	operation_timeouts:
//	  charge: 5s
type Config struct {
	Workers               int                   `yaml:"workers"`
	BlockingPool          int                   `yaml:"blocking_pool"`
	QueueDepth            int                   `yaml:"queue_depth"`
	BackpressureTimeout   Duration              `yaml:"backpressure_timeout"`
	MaxStepsPerTransition int                   `yaml:"max_steps_per_transition"`
	Retry                 *RetryConfig          `yaml:"retry"`
	SendRetry             *RetryConfig          `yaml:"send_retry"`
	RetainTerminal        bool                  `yaml:"retain_terminal"`
	ReissuePendingOnStart bool                  `yaml:"reissue_pending_on_start"`
	OperationTimeout      Duration              `yaml:"operation_timeout"`
	OperationTimeouts     map[string]Duration   `yaml:"operation_timeouts"`
	CircuitBreaker        *CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig is the YAML form of RetryPolicy.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// CircuitBreakerConfig is the YAML form of CircuitBreakerSettings.
type CircuitBreakerConfig struct {
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	Timeout             Duration `yaml:"timeout"`
	Interval            Duration `yaml:"interval"`
	MaxRequests         uint32   `yaml:"max_requests"`
}

// Duration is a time.Duration that unmarshals from strings like "250ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// LoadConfig reads a YAML config file. An empty path means the file named
// by $FLOWMACHINE_CONFIG; if that is unset too, the zero Config (all
// defaults) is returned.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnv)
	}
	if path == "" {
		return Config{}, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- operator supplied config path
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if _, err := cfg.Options(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Options converts the config to Options, validating the retry policies.
func (c Config) Options() (Options, error) {
	opts := Options{
		MaxWorkers:            c.Workers,
		BlockingPoolSize:      c.BlockingPool,
		QueueDepth:            c.QueueDepth,
		BackpressureTimeout:   time.Duration(c.BackpressureTimeout),
		MaxStepsPerTransition: c.MaxStepsPerTransition,
		RetainTerminal:        c.RetainTerminal,
		ReissuePendingOnStart: c.ReissuePendingOnStart,
		OperationTimeout:      time.Duration(c.OperationTimeout),
	}
	if c.Retry != nil {
		opts.Retry = c.Retry.policy()
		if err := opts.Retry.Validate(); err != nil {
			return Options{}, fmt.Errorf("retry: %w", err)
		}
	}
	if c.SendRetry != nil {
		opts.SendRetry = c.SendRetry.policy()
		if err := opts.SendRetry.Validate(); err != nil {
			return Options{}, fmt.Errorf("send_retry: %w", err)
		}
	}
	if len(c.OperationTimeouts) > 0 {
		opts.OperationTimeouts = make(map[string]time.Duration, len(c.OperationTimeouts))
		for name, d := range c.OperationTimeouts {
			opts.OperationTimeouts[name] = time.Duration(d)
		}
	}
	return opts, nil
}

// ManagerOptions returns the functional options equivalent to the config.
func (c Config) ManagerOptions() ([]Option, error) {
	opts, err := c.Options()
	if err != nil {
		return nil, err
	}
	out := []Option{WithOptions(opts)}
	if cb := c.CircuitBreaker; cb != nil {
		out = append(out, WithCircuitBreaker(CircuitBreakerSettings{
			ConsecutiveFailures: cb.ConsecutiveFailures,
			Timeout:             time.Duration(cb.Timeout),
			Interval:            time.Duration(cb.Interval),
			MaxRequests:         cb.MaxRequests,
		}))
	}
	return out, nil
}

func (r RetryConfig) policy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   time.Duration(r.BaseDelay),
		MaxDelay:    time.Duration(r.MaxDelay),
	}
}
