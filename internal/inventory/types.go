package inventory

import "time"

// Node is one mesh radio in the fleet roster, managed or merely heard.
type Node struct {
	// ID is the canonical node id, e.g. "!43588858".
	ID string

	// ShortName is the node's four-character display name.
	ShortName string

	// LongName is the node's full display name.
	LongName string

	// SerialPort is the local device path the node was discovered on,
	// nil for nodes only heard over the mesh.
	SerialPort *string

	// HWModel is the hardware model reported by the node.
	HWModel *string

	// FirmwareVersion is the firmware version reported by the node.
	FirmwareVersion *string

	// FirstSeen is when the node first entered the roster.
	FirstSeen time.Time

	// LastSeen is when the node was last discovered or heard.
	LastSeen time.Time

	// IsActive marks nodes present in the most recent sync.
	IsActive bool

	// Managed distinguishes fleet nodes from foreign nodes heard on the
	// mesh.
	Managed bool

	// SNR is the most recent signal-to-noise ratio, if known.
	SNR *float64

	// HopsAway is the most recent hop count, if known.
	HopsAway *int

	// Config holds the retrieved configuration sections, keyed by
	// section name ("lora", "channels", "security", ...). Values are
	// the decoded section documents.
	Config map[string]any
}

// ConfigSnapshot is a point-in-time record of a node's configuration.
type ConfigSnapshot struct {
	NodeID    string
	Timestamp time.Time
	Config    map[string]any
}

// CheckStatus is the outcome of one configuration check.
type CheckStatus string

// Check outcomes.
const (
	StatusPass    CheckStatus = "pass"
	StatusFail    CheckStatus = "fail"
	StatusWarning CheckStatus = "warning"
)

// ConfigCheck is the recorded result of validating one aspect of a
// node's configuration against fleet policy.
type ConfigCheck struct {
	NodeID    string
	CheckType string
	Expected  any
	Actual    any
	Status    CheckStatus
	Message   string
	Timestamp time.Time
}

// HeardEntry records one observation of a node on the mesh by a managed
// node.
type HeardEntry struct {
	// NodeID is the node that was heard.
	NodeID string

	// SeenBy is the managed node that heard it.
	SeenBy string

	Timestamp time.Time
	SNR       *float64
	HopsAway  *int
	Lat       *float64
	Lon       *float64
}
