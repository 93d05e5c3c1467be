package flow

import (
	"log/slog"
	"time"

	"github.com/dshills/flowmachine/flow/emit"
)

// Options configures a Manager.
//
// Zero values select the defaults listed on each field. Options can be
// passed to NewManager directly or built from a YAML file with LoadConfig.
type Options struct {
	// MaxWorkers is the number of fiber workers. Default: 8.
	MaxWorkers int

	// BlockingPoolSize bounds concurrently running blocking (Result style)
	// external operations. Default: 16.
	BlockingPoolSize int

	// QueueDepth is the run queue capacity in flows. Default: 1024.
	QueueDepth int

	// BackpressureTimeout is how long DeliverEvent waits for run queue
	// space before returning ErrBackpressureTimeout. Default: 30s.
	BackpressureTimeout time.Duration

	// MaxStepsPerTransition bounds the instructions one event may run.
	// Default: DefaultMaxStepsPerTransition.
	MaxStepsPerTransition int

	// Retry governs transient external operation failures.
	// Default: DefaultRetryPolicy().
	Retry RetryPolicy

	// SendRetry governs transport send failures. Default: DefaultRetryPolicy().
	SendRetry RetryPolicy

	// RetainTerminal keeps checkpoints and operation records of terminal
	// flows instead of purging them.
	RetainTerminal bool

	// ReissuePendingOnStart re-invokes external operations whose record is
	// still Pending from a previous process. Off by default: a Pending record
	// may belong to work that is still running elsewhere and will deliver
	// its completion through DeliverEvent.
	ReissuePendingOnStart bool

	// OperationTimeout bounds every blocking operation. 0 means unlimited.
	OperationTimeout time.Duration

	// OperationTimeouts overrides OperationTimeout per operation name.
	OperationTimeouts map[string]time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 8
	}
	if o.BlockingPoolSize <= 0 {
		o.BlockingPoolSize = 16
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 1024
	}
	if o.BackpressureTimeout <= 0 {
		o.BackpressureTimeout = 30 * time.Second
	}
	if o.MaxStepsPerTransition <= 0 {
		o.MaxStepsPerTransition = DefaultMaxStepsPerTransition
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry = DefaultRetryPolicy()
	}
	if o.SendRetry.MaxAttempts == 0 {
		o.SendRetry = DefaultRetryPolicy()
	}
}

// StartupHook runs once after Manager.Start has rehydrated every flow.
// Hooks typically start flows with StartFlowOnce.
type StartupHook func(m *Manager) error

// CircuitBreakerSettings configures the per-operation circuit breaker.
type CircuitBreakerSettings struct {
	// ConsecutiveFailures trips the breaker. Default: 5.
	ConsecutiveFailures uint32

	// Timeout is how long the breaker stays open. Default: 30s.
	Timeout time.Duration

	// Interval clears the closed-state counts periodically. 0 never clears.
	Interval time.Duration

	// MaxRequests is the number of probes allowed while half-open. Default: 1.
	MaxRequests uint32
}

// Option is a functional option for configuring a Manager.
//
// Example:
//
//	mgr, err := flow.NewManager(logics, st,
//	    flow.WithMaxWorkers(16),
//	    flow.WithRetryPolicy(flow.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}),
//	    flow.WithEmitter(emit.NewLogEmitter(os.Stdout, true)),
//	)
type Option func(*managerConfig) error

// managerConfig collects options before they are applied to a Manager.
type managerConfig struct {
	opts       Options
	clock      Clock
	emitter    emit.Emitter
	logger     *slog.Logger
	metrics    *PrometheusMetrics
	codec      Codec
	transport  Transport
	timers     TimerService
	localParty Party
	breaker    *CircuitBreakerSettings
	onStarted  []StartupHook
}

// WithOptions replaces all Options fields at once.
func WithOptions(opts Options) Option {
	return func(cfg *managerConfig) error {
		cfg.opts = opts
		return nil
	}
}

// WithMaxWorkers sets the number of fiber workers.
func WithMaxWorkers(n int) Option {
	return func(cfg *managerConfig) error {
		cfg.opts.MaxWorkers = n
		return nil
	}
}

// WithBlockingPoolSize bounds concurrently running blocking operations.
func WithBlockingPoolSize(n int) Option {
	return func(cfg *managerConfig) error {
		cfg.opts.BlockingPoolSize = n
		return nil
	}
}

// WithQueueDepth sets the run queue capacity.
//
// When the queue fills, DeliverEvent blocks until space is available or
// the backpressure timeout passes.
func WithQueueDepth(n int) Option {
	return func(cfg *managerConfig) error {
		cfg.opts.QueueDepth = n
		return nil
	}
}

// WithBackpressureTimeout sets the maximum time to wait when the run queue
// is full.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(cfg *managerConfig) error {
		cfg.opts.BackpressureTimeout = d
		return nil
	}
}

// WithMaxStepsPerTransition bounds the instructions one event may run.
func WithMaxStepsPerTransition(n int) Option {
	return func(cfg *managerConfig) error {
		cfg.opts.MaxStepsPerTransition = n
		return nil
	}
}

// WithRetryPolicy sets the policy for transient external operation failures.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(cfg *managerConfig) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.opts.Retry = p
		return nil
	}
}

// WithSendRetryPolicy sets the policy for transport send failures.
func WithSendRetryPolicy(p RetryPolicy) Option {
	return func(cfg *managerConfig) error {
		if err := p.Validate(); err != nil {
			return err
		}
		cfg.opts.SendRetry = p
		return nil
	}
}

// WithRetainTerminal keeps terminal flows in the store.
func WithRetainTerminal(retain bool) Option {
	return func(cfg *managerConfig) error {
		cfg.opts.RetainTerminal = retain
		return nil
	}
}

// WithReissuePendingOnStart re-invokes Pending operations found at startup.
func WithReissuePendingOnStart(reissue bool) Option {
	return func(cfg *managerConfig) error {
		cfg.opts.ReissuePendingOnStart = reissue
		return nil
	}
}

// WithOperationTimeout bounds blocking operations. Pass names to set a
// per-operation override instead of the default.
func WithOperationTimeout(d time.Duration, names ...string) Option {
	return func(cfg *managerConfig) error {
		if len(names) == 0 {
			cfg.opts.OperationTimeout = d
			return nil
		}
		if cfg.opts.OperationTimeouts == nil {
			cfg.opts.OperationTimeouts = make(map[string]time.Duration)
		}
		for _, n := range names {
			cfg.opts.OperationTimeouts[n] = d
		}
		return nil
	}
}

// WithClock sets the time source used to stamp events and arm timers.
func WithClock(c Clock) Option {
	return func(cfg *managerConfig) error {
		cfg.clock = c
		return nil
	}
}

// WithEmitter sets the flow event emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *managerConfig) error {
		cfg.emitter = e
		return nil
	}
}

// WithLogger sets the operational logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *managerConfig) error {
		cfg.logger = l
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *managerConfig) error {
		cfg.metrics = metrics
		return nil
	}
}

// WithCodec sets the checkpoint codec. Default: NewJSONCodec(UseCaseCheckpoint).
func WithCodec(c Codec) Option {
	return func(cfg *managerConfig) error {
		if !c.Allows(UseCaseCheckpoint) {
			return ErrUseCaseNotAllowed
		}
		cfg.codec = c
		return nil
	}
}

// WithTransport sets the peer transport used by Send instructions.
func WithTransport(t Transport) Option {
	return func(cfg *managerConfig) error {
		cfg.transport = t
		return nil
	}
}

// WithLocalParty sets the party name stamped on outgoing messages.
func WithLocalParty(p Party) Option {
	return func(cfg *managerConfig) error {
		cfg.localParty = p
		return nil
	}
}

// WithTimers replaces the timer service. Default: ClockTimers.
func WithTimers(t TimerService) Option {
	return func(cfg *managerConfig) error {
		cfg.timers = t
		return nil
	}
}

// WithCircuitBreaker enables a circuit breaker per external operation name.
func WithCircuitBreaker(s CircuitBreakerSettings) Option {
	return func(cfg *managerConfig) error {
		cfg.breaker = &s
		return nil
	}
}

// WithOnStarted registers hooks run at the end of Manager.Start.
func WithOnStarted(hooks ...StartupHook) Option {
	return func(cfg *managerConfig) error {
		cfg.onStarted = append(cfg.onStarted, hooks...)
		return nil
	}
}
