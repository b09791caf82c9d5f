package config

import "time"

// RetryConfig holds the bounded-backoff parameters used around persistence
// calls.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// GetRetryConfig derives the persistence RetryConfig from Config.
func (c Config) GetRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   c.RetryMaxRetries,
		InitialDelay: c.RetryInitialDelay,
		MaxDelay:     c.RetryMaxDelay,
		Multiplier:   c.RetryMultiplier,
	}
}
