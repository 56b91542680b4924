package execclient

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfiguration bounds retry pacing for transient transport failures.
type BackoffConfiguration struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// DefaultBackoffConfiguration paces the client's bounded retries.
var DefaultBackoffConfiguration = BackoffConfiguration{
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Multiplier:   2.0,
	Jitter:       true,
}

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(configuration BackoffConfiguration, attempt int, randomSource *rand.Rand) time.Duration {
	if attempt <= 1 {
		return configuration.InitialDelay
	}
	if configuration.InitialDelay <= 0 {
		return 0
	}
	if configuration.Multiplier < 1.0 {
		configuration.Multiplier = 1.0
	}
	delay := float64(configuration.InitialDelay) * math.Pow(configuration.Multiplier, float64(attempt-1))
	if configuration.MaxDelay > 0 && delay > float64(configuration.MaxDelay) {
		delay = float64(configuration.MaxDelay)
	}
	if configuration.Jitter {
		jitterFactor := 0.5
		if randomSource != nil {
			jitterFactor = 0.5 + randomSource.Float64()
		}
		delay = delay * jitterFactor
	}
	return time.Duration(delay)
}
