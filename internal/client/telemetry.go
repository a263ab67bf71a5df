package client

import (
	"sync"
	"time"

	"github.com/assistant-chat/realtime/internal/protocol"
)

// CloseRecord is a close code and reason as observed by a Manager.
type CloseRecord struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// TelemetrySnapshot is a copy of the process-wide connection counters.
// Counters only grow; LastClose is nil until the first unexpected close.
type TelemetrySnapshot struct {
	FirstConnectedAtMs    int64        `json:"firstConnectedAtMs"`
	ConnectCount          int64        `json:"connectCount"`
	ReconnectAttemptCount int64        `json:"reconnectAttemptCount"`
	UnexpectedCloseCount  int64        `json:"unexpectedCloseCount"`
	LastClose             *CloseRecord `json:"lastClose,omitempty"`
}

// Shared by every Manager in the process.
var telemetry struct {
	mu   sync.Mutex
	snap TelemetrySnapshot
}

// Telemetry returns the current counters without affecting any Manager.
func Telemetry() TelemetrySnapshot {
	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()

	snap := telemetry.snap
	if snap.LastClose != nil {
		lc := *snap.LastClose
		snap.LastClose = &lc
	}
	return snap
}

func recordConnect(now time.Time) {
	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()

	if telemetry.snap.FirstConnectedAtMs == 0 {
		telemetry.snap.FirstConnectedAtMs = protocol.Millis(now)
	}
	telemetry.snap.ConnectCount++
}

func recordReconnectAttempt() {
	telemetry.mu.Lock()
	telemetry.snap.ReconnectAttemptCount++
	telemetry.mu.Unlock()
}

func recordUnexpectedClose(code int, reason string) {
	telemetry.mu.Lock()
	defer telemetry.mu.Unlock()

	telemetry.snap.LastClose = &CloseRecord{Code: code, Reason: reason}
	if code != protocol.CloseNormal {
		telemetry.snap.UnexpectedCloseCount++
	}
}
