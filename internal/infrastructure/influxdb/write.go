package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteNodeTelemetry records one node telemetry report.
//
// The write is non-blocking; data is batched and sent asynchronously.
// Only the fields the node actually reported are written; nil pointers
// are skipped.
//
// Parameters:
//   - nodeID: The reporting node ("!43588858")
//   - gatewayID: The gateway that heard the report ("" for direct links)
//   - battery: Battery level percentage
//   - voltage: Battery voltage
//   - channelUtil: Channel utilisation percentage
//   - airUtilTx: Transmit airtime percentage
func (c *Client) WriteNodeTelemetry(nodeID, gatewayID string, battery, voltage, channelUtil, airUtilTx *float64) {
	if !c.IsConnected() {
		return
	}

	fields := make(map[string]interface{}, 4)
	if battery != nil {
		fields["battery_level"] = *battery
	}
	if voltage != nil {
		fields["voltage"] = *voltage
	}
	if channelUtil != nil {
		fields["channel_utilization"] = *channelUtil
	}
	if airUtilTx != nil {
		fields["air_util_tx"] = *airUtilTx
	}
	if len(fields) == 0 {
		return
	}

	tags := map[string]string{"node_id": nodeID}
	if gatewayID != "" {
		tags["gateway_id"] = gatewayID
	}

	c.writeAPI.WritePoint(write.NewPoint("node_telemetry", tags, fields, time.Now()))
}

// WriteLinkMetric records link quality between a node and whoever heard it.
//
// Parameters:
//   - nodeID: The heard node
//   - seenBy: The hearing node or gateway
//   - snr: Signal-to-noise ratio in dB
//   - hopsAway: Mesh hops between the two, nil when unknown
func (c *Client) WriteLinkMetric(nodeID, seenBy string, snr float64, hopsAway *int) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{"snr": snr}
	if hopsAway != nil {
		fields["hops_away"] = *hopsAway
	}

	c.writeAPI.WritePoint(write.NewPoint(
		"link_quality",
		map[string]string{"node_id": nodeID, "seen_by": seenBy},
		fields,
		time.Now(),
	))
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed uplink data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
}
