package influxdb

import (
	"errors"
	"testing"
	"time"

	"github.com/kestrelworks/chatgate/internal/infrastructure/config"
)

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestWriteHelpers_NilClient(t *testing.T) {
	// A nil client (metrics disabled) must be safe to call.
	var c *Client
	c.WriteAuthEvent("login", "completed")
	c.WriteSweepCount(3)
	c.WriteChatLatency("gpt-4", 120*time.Millisecond)
	c.WriteActiveSessions(1)
}

func TestIsConnected_Fresh(t *testing.T) {
	c := &Client{}
	if c.IsConnected() {
		t.Error("fresh client should not report connected")
	}
}
