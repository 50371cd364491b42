package reliability

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config describes a Guard. Zero values disable the matching control.
type Config struct {
	RetryMaxAttempts    int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
	RateLimitInterval   time.Duration
	RateLimitBurst      int
}

// DefaultConfig is used for any variable left unset.
func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryBaseDelay:      50 * time.Millisecond,
		RetryMaxDelay:       time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 5 * time.Second,
	}
}

// LoadConfigFromEnv reads <prefix>_RETRY_MAX_ATTEMPTS, <prefix>_RETRY_BASE_DELAY,
// <prefix>_RETRY_MAX_DELAY, <prefix>_BREAKER_MAX_FAILURES,
// <prefix>_BREAKER_RESET_TIMEOUT, <prefix>_RATE_LIMIT_INTERVAL and
// <prefix>_RATE_LIMIT_BURST on top of DefaultConfig.
func LoadConfigFromEnv(prefix string) (Config, error) {
	cfg := DefaultConfig()
	var err error

	if cfg.RetryMaxAttempts, err = parseInt(prefix+"_RETRY_MAX_ATTEMPTS", cfg.RetryMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = parseDuration(prefix+"_RETRY_BASE_DELAY", cfg.RetryBaseDelay); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = parseDuration(prefix+"_RETRY_MAX_DELAY", cfg.RetryMaxDelay); err != nil {
		return cfg, err
	}
	if cfg.BreakerMaxFailures, err = parseInt(prefix+"_BREAKER_MAX_FAILURES", cfg.BreakerMaxFailures); err != nil {
		return cfg, err
	}
	if cfg.BreakerResetTimeout, err = parseDuration(prefix+"_BREAKER_RESET_TIMEOUT", cfg.BreakerResetTimeout); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = parseDuration(prefix+"_RATE_LIMIT_INTERVAL", cfg.RateLimitInterval); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = parseInt(prefix+"_RATE_LIMIT_BURST", cfg.RateLimitBurst); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Guard builds the controls described by the config.
func (c Config) Guard() Guard {
	g := Guard{
		Retry: RetryPolicy{
			MaxAttempts: c.RetryMaxAttempts,
			BaseDelay:   c.RetryBaseDelay,
			MaxDelay:    c.RetryMaxDelay,
		},
	}
	if c.BreakerMaxFailures > 0 {
		g.Breaker = NewCircuitBreaker(CircuitBreakerConfig{
			MaxFailures:  c.BreakerMaxFailures,
			ResetTimeout: c.BreakerResetTimeout,
		})
	}
	if c.RateLimitInterval > 0 && c.RateLimitBurst > 0 {
		g.Limiter = NewRateLimiter(c.RateLimitInterval, c.RateLimitBurst)
	}
	return g
}

func parseDuration(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}

func parseInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if val < 0 {
		return 0, errors.New(name + " must be >= 0")
	}
	return val, nil
}
