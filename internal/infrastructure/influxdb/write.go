package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteAuthEvent records an authentication lifecycle outcome.
//
// The write is non-blocking; data is batched and sent asynchronously.
// A nil client (metrics disabled) is a no-op.
//
// Parameters:
//   - event: The lifecycle stage ("login", "refresh", "logout")
//   - outcome: The result ("completed", "denied", "failed", "expired", "ok")
func (c *Client) WriteAuthEvent(event, outcome string) {
	if c == nil || !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"auth_events",
		map[string]string{
			"event":   event,
			"outcome": outcome,
		},
		map[string]interface{}{
			"count": 1,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteSweepCount records the number of sessions removed by an expiry sweep.
func (c *Client) WriteSweepCount(removed int) {
	if c == nil || !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"session_sweeps",
		nil,
		map[string]interface{}{
			"removed": removed,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteChatLatency records the round-trip latency of one chat completion.
//
// Parameters:
//   - deployment: The model deployment name
//   - elapsed: Wall-clock duration of the upstream call
func (c *Client) WriteChatLatency(deployment string, elapsed time.Duration) {
	if c == nil || !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"chat_latency",
		map[string]string{
			"deployment": deployment,
		},
		map[string]interface{}{
			"millis": elapsed.Milliseconds(),
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteActiveSessions records a gauge of currently authenticated sessions.
func (c *Client) WriteActiveSessions(count int) {
	if c == nil || !c.IsConnected() {
		return
	}

	point := write.NewPoint(
		"active_sessions",
		nil,
		map[string]interface{}{
			"count": count,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}
