package orchestrator

import "time"

// BackoffPolicy — задержка перед повтором упавшего шага.
type BackoffPolicy struct {
	// Kind — "fixed" или "exponential".
	Kind string

	// InitialDelay — задержка первой попытки (default: 1s).
	InitialDelay time.Duration

	// MaxDelay — верхняя граница (default: 30s).
	MaxDelay time.Duration
}

// DefaultBackoff — политика по умолчанию.
var DefaultBackoff = BackoffPolicy{
	Kind:         "exponential",
	InitialDelay: 2 * time.Second,
	MaxDelay:     time.Minute,
}

// calculateBackoff вычисляет задержку перед attempt-й повторной попыткой.
func calculateBackoff(attempt int, policy BackoffPolicy) time.Duration {
	initialDelay := policy.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := policy.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	delay := initialDelay
	if policy.Kind == "exponential" {
		// delay = initialDelay * 2^(attempt-1)
		for i := 1; i < attempt && delay < maxDelay; i++ {
			delay *= 2
		}
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
