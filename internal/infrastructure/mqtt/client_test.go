package mqtt

import (
	"errors"
	"strings"
	"testing"

	"github.com/meshpool/nodepool-core/internal/infrastructure/config"
)

func TestTopicBuilders(t *testing.T) {
	topics := NewTopics("msh")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"uplink", topics.Uplink("!43588858"), "msh/uplink/!43588858"},
		{"all uplinks", topics.AllUplinks(), "msh/uplink/+"},
		{"downlink", topics.Downlink("!43588858"), "msh/downlink/!43588858"},
		{"pool status", topics.PoolStatus(), "msh/pool/status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	t.Run("empty root defaults", func(t *testing.T) {
		if got := NewTopics("").PoolStatus(); got != "msh/pool/status" {
			t.Errorf("PoolStatus() = %q, want msh/pool/status", got)
		}
	})
}

func TestGatewayFromUplink(t *testing.T) {
	topics := NewTopics("msh")

	tests := []struct {
		topic string
		want  string
	}{
		{"msh/uplink/!43588858", "!43588858"},
		{"msh/uplink/", ""},
		{"msh/downlink/!43588858", ""},
		{"other/uplink/!43588858", ""},
	}
	for _, tt := range tests {
		if got := topics.GatewayFromUplink(tt.topic); got != tt.want {
			t.Errorf("GatewayFromUplink(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "nodepool-test",
		},
		Auth: config.MQTTAuthConfig{Username: "pool", Password: "secret"},
		QoS:  1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     60,
		},
	}

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want [tcp://127.0.0.1:1883]", opts.Servers)
	}
	if opts.ClientID != "nodepool-test" {
		t.Errorf("ClientID = %q, want nodepool-test", opts.ClientID)
	}
	if opts.Username != "pool" {
		t.Errorf("Username = %q, want pool", opts.Username)
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}

	t.Run("tls switches scheme", func(t *testing.T) {
		tlsCfg := cfg
		tlsCfg.Broker.TLS = true
		tlsOpts := buildClientOptions(tlsCfg)
		if tlsOpts.Servers[0].Scheme != "ssl" {
			t.Errorf("Scheme = %q, want ssl", tlsOpts.Servers[0].Scheme)
		}
	})
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("nodepool-01")
	if !strings.Contains(online, `"status":"online"`) || !strings.Contains(online, "nodepool-01") {
		t.Errorf("online payload = %s", online)
	}

	offline := buildOfflinePayload("nodepool-01")
	if !strings.Contains(offline, `"status":"offline"`) || !strings.Contains(offline, "graceful_shutdown") {
		t.Errorf("offline payload = %s", offline)
	}
}

// Validation runs before any broker interaction, so these paths are
// exercised on a zero client.
func TestPublishValidation(t *testing.T) {
	c := &Client{}

	if err := c.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("msh/pool/status", []byte("x"), 3, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v, want ErrInvalidQoS", err)
	}
	big := make([]byte, maxPayloadSize+1)
	if err := c.Publish("msh/pool/status", big, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversize error = %v, want ErrPublishFailed", err)
	}
	if err := c.Publish("msh/pool/status", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v, want ErrNotConnected", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("msh/uplink/+", 5, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("msh/uplink/+", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("msh/uplink/+", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v, want ErrNotConnected", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0 after failed subscribes", c.SubscriptionCount())
	}
}

func TestCloseNil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}
