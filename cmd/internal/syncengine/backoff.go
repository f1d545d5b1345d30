package syncengine

import (
	"math/rand/v2"
	"time"
)

const (
	defaultBackoffBase = 500 * time.Millisecond
	defaultBackoffMax  = 30 * time.Second
)

// backoff returns a full-jitter delay for the given attempt (1-based):
// uniform in [0, min(ceiling, base*2^(attempt-1))].
func backoff(attempt int, base, ceiling time.Duration, jitter func(int64) int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceil := base
	for i := 1; i < attempt && ceil < ceiling; i++ {
		ceil *= 2
	}
	if ceil > ceiling {
		ceil = ceiling
	}
	if ceil <= 0 {
		return 0
	}
	return time.Duration(jitter(int64(ceil) + 1))
}

func defaultJitter(n int64) int64 { return rand.Int64N(n) }
