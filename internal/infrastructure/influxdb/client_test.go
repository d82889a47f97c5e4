package influxdb

import (
	"context"
	"errors"
	"testing"

	"github.com/meshpool/nodepool-core/internal/infrastructure/config"
)

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestClose_Nil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on zero client error = %v", err)
	}
}

func TestHealthCheck_NotConnected(t *testing.T) {
	c := &Client{}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// Writes on a disconnected client are dropped, never panic, even with
// a nil write API.
func TestWrites_DisconnectedNoOp(t *testing.T) {
	c := &Client{}
	snr := -6.5
	battery := 87.0
	hops := 2

	c.WriteNodeTelemetry("!000000aa", "!43588858", &battery, nil, nil, nil)
	c.WriteLinkMetric("!000000aa", "!43588858", snr, &hops)
	c.WritePoint("custom", map[string]string{"a": "b"}, map[string]interface{}{"v": 1.0})
	c.Flush()
}
