package client

import "time"

const (
	maxReconnectDelay = 15 * time.Second
	maxBackoffShift   = 4
)

// reconnectBase is the unjittered delay before reconnect attempt n (1-based):
// base doubled per attempt, exponent capped at 4, result capped at 15s.
func reconnectBase(base time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := base << shift
	if d > maxReconnectDelay {
		d = maxReconnectDelay
	}
	return d
}

// reconnectDelay scales the base delay by factor, which callers draw from
// [0.5, 1.5).
func reconnectDelay(base time.Duration, attempt int, factor float64) time.Duration {
	return time.Duration(float64(reconnectBase(base, attempt)) * factor)
}
