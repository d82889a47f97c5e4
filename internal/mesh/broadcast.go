package mesh

import (
	"encoding/json"
	"fmt"
)

// Broadcast payloads are JSON documents, the same encoding the admin
// port uses. Nodes announce themselves on the nodeinfo port, report
// location on the position port (coordinates in integer microdegrees),
// and publish radio health on the telemetry port.

// NodeInfo is a node identity announcement.
type NodeInfo struct {
	ShortName string `json:"shortName"`
	LongName  string `json:"longName"`
	HWModel   string `json:"hwModel,omitempty"`
	Firmware  string `json:"firmware,omitempty"`
}

// Position is a node location report.
type Position struct {
	// LatitudeI and LongitudeI are microdegrees (degrees * 1e7).
	LatitudeI  int64 `json:"latitudeI"`
	LongitudeI int64 `json:"longitudeI"`
	Altitude   int   `json:"altitude,omitempty"`
}

// Latitude returns the latitude in degrees.
func (p Position) Latitude() float64 { return float64(p.LatitudeI) / 1e7 }

// Longitude returns the longitude in degrees.
func (p Position) Longitude() float64 { return float64(p.LongitudeI) / 1e7 }

// Telemetry is a node radio health report.
type Telemetry struct {
	BatteryLevel       *float64 `json:"batteryLevel,omitempty"`
	Voltage            *float64 `json:"voltage,omitempty"`
	ChannelUtilization *float64 `json:"channelUtilization,omitempty"`
	AirUtilTx          *float64 `json:"airUtilTx,omitempty"`
	SNR                *float64 `json:"snr,omitempty"`
}

// DecodeNodeInfo decodes a nodeinfo port payload.
func DecodeNodeInfo(payload []byte) (NodeInfo, error) {
	var info NodeInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return NodeInfo{}, fmt.Errorf("%w: decoding nodeinfo: %w", ErrMalformedFrame, err)
	}
	if info.ShortName == "" && info.LongName == "" {
		return NodeInfo{}, fmt.Errorf("%w: nodeinfo carries no name", ErrMalformedFrame)
	}
	return info, nil
}

// DecodePosition decodes a position port payload.
func DecodePosition(payload []byte) (Position, error) {
	var pos Position
	if err := json.Unmarshal(payload, &pos); err != nil {
		return Position{}, fmt.Errorf("%w: decoding position: %w", ErrMalformedFrame, err)
	}
	return pos, nil
}

// DecodeTelemetry decodes a telemetry port payload.
func DecodeTelemetry(payload []byte) (Telemetry, error) {
	var tel Telemetry
	if err := json.Unmarshal(payload, &tel); err != nil {
		return Telemetry{}, fmt.Errorf("%w: decoding telemetry: %w", ErrMalformedFrame, err)
	}
	return tel, nil
}
