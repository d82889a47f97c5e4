// Package gateway folds mesh traffic relayed over MQTT into the pool.
//
// Gateway nodes in the field publish every envelope frame they hear to
// their uplink topic. The gateway consumer subscribes to the whole
// uplink subtree, decodes the frames, keeps the inventory's picture of
// unmanaged nodes fresh, and forwards telemetry to the time-series
// store. It is the radio-less half of the pool: sightings arrive
// through the broker instead of a local serial port.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/meshpool/nodepool-core/internal/infrastructure/mqtt"
	"github.com/meshpool/nodepool-core/internal/inventory"
	"github.com/meshpool/nodepool-core/internal/mesh"
)

// ErrNotStarted indicates HandleUplink ran before Run wired a context.
var ErrNotStarted = errors.New("gateway: not started")

// Subscriber is the broker surface the gateway needs.
// Satisfied by *mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Topics() mqtt.Topics
}

// TelemetryWriter receives decoded node telemetry.
// Satisfied by *influxdb.Client.
type TelemetryWriter interface {
	WriteNodeTelemetry(nodeID, gatewayID string, battery, voltage, channelUtil, airUtilTx *float64)
	WriteLinkMetric(nodeID, seenBy string, snr float64, hopsAway *int)
}

// Logger is the logging surface the gateway needs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Gateway consumes uplink frames and updates the pool's stores.
type Gateway struct {
	repo   inventory.Repository
	tsdb   TelemetryWriter
	logger Logger
	topics mqtt.Topics
	qos    byte

	ctx context.Context
}

// New creates a gateway consumer.
//
// Parameters:
//   - repo: Inventory store for node and sighting updates
//   - tsdb: Telemetry sink, nil disables time-series writes
//   - topics: Topic builder matching the brokers' root
//   - qos: Subscription QoS level
//   - logger: Event logging, nil disables
func New(repo inventory.Repository, tsdb TelemetryWriter, topics mqtt.Topics, qos byte, logger Logger) *Gateway {
	return &Gateway{
		repo:   repo,
		tsdb:   tsdb,
		topics: topics,
		qos:    qos,
		logger: logger,
	}
}

// Run subscribes to every gateway's uplink topic and consumes frames
// until the context is cancelled. The subscription survives broker
// reconnects; Run itself only blocks.
func (g *Gateway) Run(ctx context.Context, sub Subscriber) error {
	g.ctx = ctx

	topic := sub.Topics().AllUplinks()
	if err := sub.Subscribe(topic, g.qos, g.HandleUplink); err != nil {
		return fmt.Errorf("subscribing to uplink: %w", err)
	}
	if g.logger != nil {
		g.logger.Info("gateway consumer started", "topic", topic)
	}

	<-ctx.Done()
	return nil
}

// HandleUplink processes one relayed frame. The payload is a single
// envelope packet as the gateway node heard it, without the stream
// framing.
//
// A malformed payload is an error for the broker client to log; it
// never stops the subscription.
func (g *Gateway) HandleUplink(topic string, payload []byte) error {
	ctx := g.ctx
	if ctx == nil {
		return ErrNotStarted
	}

	gatewayID := g.topics.GatewayFromUplink(topic)
	if gatewayID == "" {
		return fmt.Errorf("gateway: unexpected topic %q", topic)
	}

	pkt, err := mesh.ParsePacket(payload)
	if err != nil {
		return fmt.Errorf("gateway: decoding uplink frame: %w", err)
	}
	if pkt.From == 0 {
		return nil
	}

	nodeID := mesh.FormatNodeID(pkt.From)
	if nodeID == gatewayID {
		// The gateway's own broadcasts carry no new sighting.
		return nil
	}

	entry := inventory.HeardEntry{
		NodeID:    nodeID,
		SeenBy:    gatewayID,
		Timestamp: time.Now().UTC(),
	}

	node, err := g.fetchOrCreate(ctx, nodeID)
	if err != nil {
		return err
	}
	node.LastSeen = entry.Timestamp
	node.IsActive = true

	switch pkt.Port {
	case mesh.PortNodeInfo:
		if info, err := mesh.DecodeNodeInfo(pkt.Payload); err == nil {
			node.ShortName = info.ShortName
			node.LongName = info.LongName
			if info.HWModel != "" {
				hw := info.HWModel
				node.HWModel = &hw
			}
		}
	case mesh.PortPosition:
		if pos, err := mesh.DecodePosition(pkt.Payload); err == nil {
			lat, lon := pos.Latitude(), pos.Longitude()
			entry.Lat, entry.Lon = &lat, &lon
		}
	case mesh.PortTelemetry:
		if tel, err := mesh.DecodeTelemetry(pkt.Payload); err == nil {
			entry.SNR = tel.SNR
			node.SNR = tel.SNR
			if g.tsdb != nil {
				g.tsdb.WriteNodeTelemetry(nodeID, gatewayID,
					tel.BatteryLevel, tel.Voltage, tel.ChannelUtilization, tel.AirUtilTx)
				if tel.SNR != nil {
					g.tsdb.WriteLinkMetric(nodeID, gatewayID, *tel.SNR, nil)
				}
			}
		}
	}

	if err := g.repo.SaveNode(ctx, node); err != nil {
		return fmt.Errorf("gateway: saving node %s: %w", nodeID, err)
	}
	if err := g.repo.SaveHeard(ctx, &entry); err != nil {
		return fmt.Errorf("gateway: recording sighting of %s: %w", nodeID, err)
	}

	if g.logger != nil {
		g.logger.Debug("uplink frame processed",
			"node", nodeID, "gateway", gatewayID, "port", pkt.Port)
	}
	return nil
}

// fetchOrCreate loads a node or starts an unmanaged placeholder for a
// node heard for the first time.
func (g *Gateway) fetchOrCreate(ctx context.Context, nodeID string) (*inventory.Node, error) {
	node, err := g.repo.GetNode(ctx, nodeID)
	if err == nil {
		return node, nil
	}
	if !errors.Is(err, inventory.ErrNodeNotFound) {
		return nil, fmt.Errorf("gateway: looking up node %s: %w", nodeID, err)
	}
	return &inventory.Node{
		ID:        nodeID,
		ShortName: "?",
		LongName:  "Unknown",
		Config:    map[string]any{},
	}, nil
}
