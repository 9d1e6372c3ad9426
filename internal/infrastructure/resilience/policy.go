package resilience

import "time"

type Config struct {
	// AttemptTimeout bounds each individual call; zero leaves the caller's deadline in charge.
	AttemptTimeout time.Duration

	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 10 * time.Second,

		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// ForDependency tunes the defaults for one remote dependency. callBudget is the caller's
// per-call deadline and is split evenly across attempts.
func ForDependency(dependency string, callBudget time.Duration) Config {
	cfg := DefaultConfig()
	switch dependency {
	case "vision":
		cfg.RetryMaxBackoff = time.Second
	case "alerts":
		// Alert delivery is best-effort, so one retry is enough.
		cfg.RetryMaxAttempts = 2
		cfg.BreakerMinRequests = 5
	case "result_store":
		cfg.RetryInitialBackoff = 50 * time.Millisecond
		cfg.BreakerOpenTimeout = 10 * time.Second
	}
	if callBudget > 0 {
		cfg.AttemptTimeout = callBudget / time.Duration(cfg.RetryMaxAttempts)
	}
	return cfg
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.AttemptTimeout < 0 {
		out.AttemptTimeout = 0
	}
	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryMaxBackoff <= 0 {
		out.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}
