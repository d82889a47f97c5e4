package mqtt

import "fmt"

// defaultRootTopic is the conventional root of the mesh uplink tree.
const defaultRootTopic = "msh"

// Topics builds topic strings under the configured mesh root.
//
// Gateway nodes publish the raw envelope frames they hear to their
// uplink topic; the pool agent subscribes to the whole uplink subtree
// and publishes its own liveness under the pool branch.
//
//	topics := mqtt.NewTopics("msh")
//	topics.Uplink("!43588858")  // "msh/uplink/!43588858"
//	topics.AllUplinks()         // "msh/uplink/+"
type Topics struct {
	root string
}

// NewTopics creates a topic builder. An empty root uses "msh".
func NewTopics(root string) Topics {
	if root == "" {
		root = defaultRootTopic
	}
	return Topics{root: root}
}

// Uplink returns the topic a gateway node publishes heard frames to.
//
// Example: msh/uplink/!43588858
func (t Topics) Uplink(gatewayID string) string {
	return fmt.Sprintf("%s/uplink/%s", t.root, gatewayID)
}

// AllUplinks returns the wildcard pattern matching every gateway's
// uplink topic.
//
// Example: msh/uplink/+
func (t Topics) AllUplinks() string {
	return fmt.Sprintf("%s/uplink/+", t.root)
}

// Downlink returns the topic for frames to be transmitted by a gateway.
//
// Example: msh/downlink/!43588858
func (t Topics) Downlink(gatewayID string) string {
	return fmt.Sprintf("%s/downlink/%s", t.root, gatewayID)
}

// PoolStatus returns the pool agent's liveness topic. The agent's LWT
// and graceful shutdown message are both published here, retained.
//
// Example: msh/pool/status
func (t Topics) PoolStatus() string {
	return fmt.Sprintf("%s/pool/status", t.root)
}

// GatewayFromUplink extracts the gateway id from an uplink topic, or
// "" when the topic is not an uplink.
func (t Topics) GatewayFromUplink(topic string) string {
	prefix := fmt.Sprintf("%s/uplink/", t.root)
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return ""
	}
	return topic[len(prefix):]
}
