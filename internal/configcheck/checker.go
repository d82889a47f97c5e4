// Package configcheck validates node configurations against the pool
// policy: hop limit, LoRa region, required channels, and a handful of
// security posture checks.
//
// Each check produces an inventory.ConfigCheck with a pass, fail, or
// warning status. Warnings flag values that cannot be verified or that
// deserve operator attention; failures flag values known to be wrong.
package configcheck

import (
	"fmt"

	"github.com/meshpool/nodepool-core/internal/inventory"
)

// Checker validates node configurations against expected pool values.
type Checker struct {
	// ExpectedTTL is the hop limit every managed node should carry.
	ExpectedTTL int

	// ExpectedRegion is the LoRa region code. Empty skips the check.
	ExpectedRegion string

	// ExpectedChannels lists channel names expected at index 1 onward.
	// Empty skips channel presence checks.
	ExpectedChannels []string
}

// New creates a checker from the pool policy settings.
func New(expectedTTL int, expectedRegion string, expectedChannels []string) *Checker {
	return &Checker{
		ExpectedTTL:      expectedTTL,
		ExpectedRegion:   expectedRegion,
		ExpectedChannels: expectedChannels,
	}
}

// CheckNode runs every applicable check on a node.
//
// TTL is always checked. Region and channel presence run only when the
// policy sets an expectation. Security checks run when the node config
// carries a security section, encryption checks when it carries channels.
func (c *Checker) CheckNode(node *inventory.Node) []inventory.ConfigCheck {
	checks := []inventory.ConfigCheck{c.CheckTTL(node)}

	if c.ExpectedRegion != "" {
		checks = append(checks, c.CheckRegion(node))
	}
	for i := range c.ExpectedChannels {
		checks = append(checks, c.CheckChannel(node, i+1))
	}

	if section(node.Config, "security") != nil {
		checks = append(checks, c.CheckAdminKey(node), c.CheckSerialDisabled(node))
	}
	if len(channels(node.Config)) > 0 {
		checks = append(checks, c.CheckChannelEncryption(node)...)
	}

	return checks
}

// CheckAllNodes runs CheckNode over a fleet and concatenates the results.
func (c *Checker) CheckAllNodes(nodes []inventory.Node) []inventory.ConfigCheck {
	var all []inventory.ConfigCheck
	for i := range nodes {
		all = append(all, c.CheckNode(&nodes[i])...)
	}
	return all
}

// CheckTTL verifies the node's hop limit matches the pool policy.
func (c *Checker) CheckTTL(node *inventory.Node) inventory.ConfigCheck {
	actual, ok := numberField(section(node.Config, "lora"), "hopLimit")
	if !ok {
		return result(node, "ttl", c.ExpectedTTL, nil, inventory.StatusWarning,
			fmt.Sprintf("TTL not configured (expected: %d)", c.ExpectedTTL))
	}

	if int(actual) == c.ExpectedTTL {
		return result(node, "ttl", c.ExpectedTTL, int(actual), inventory.StatusPass,
			fmt.Sprintf("TTL correctly set to %d", c.ExpectedTTL))
	}

	return result(node, "ttl", c.ExpectedTTL, int(actual), inventory.StatusFail,
		fmt.Sprintf("TTL mismatch: expected %d, got %d", c.ExpectedTTL, int(actual)))
}

// CheckRegion verifies the node's LoRa region matches the pool policy.
func (c *Checker) CheckRegion(node *inventory.Node) inventory.ConfigCheck {
	if c.ExpectedRegion == "" {
		return result(node, "region", nil, nil, inventory.StatusPass,
			"Region check skipped (no expected region configured)")
	}

	actual, ok := stringField(section(node.Config, "lora"), "region")
	if !ok {
		return result(node, "region", c.ExpectedRegion, nil, inventory.StatusWarning,
			fmt.Sprintf("Region not configured (expected: %s)", c.ExpectedRegion))
	}

	if actual == c.ExpectedRegion {
		return result(node, "region", c.ExpectedRegion, actual, inventory.StatusPass,
			fmt.Sprintf("Region correctly set to %s", c.ExpectedRegion))
	}

	return result(node, "region", c.ExpectedRegion, actual, inventory.StatusFail,
		fmt.Sprintf("Region mismatch: expected %s, got %s", c.ExpectedRegion, actual))
}

// CheckChannel verifies a channel slot is populated. Index 0 is the
// primary channel and always present, so checks start at index 1.
func (c *Checker) CheckChannel(node *inventory.Node, index int) inventory.ConfigCheck {
	if len(c.ExpectedChannels) == 0 {
		return result(node, "channel", nil, nil, inventory.StatusPass,
			"Channel check skipped (no expected channels configured)")
	}

	chans := channels(node.Config)
	if index >= len(chans) {
		return result(node, "channel", fmt.Sprintf("Channel %d", index), nil,
			inventory.StatusWarning,
			fmt.Sprintf("Channel %d not configured", index))
	}

	name, ok := stringField(asMap(chans[index]), "name")
	if !ok {
		name = fmt.Sprintf("Channel %d", index)
	}
	return result(node, "channel", fmt.Sprintf("Channel %d present", index), name,
		inventory.StatusPass,
		fmt.Sprintf("Channel %d is configured", index))
}

// CheckAdminKey verifies an admin key is set and not a known weak value.
func (c *Checker) CheckAdminKey(node *inventory.Node) inventory.ConfigCheck {
	security := section(node.Config, "security")
	keySet, _ := boolField(security, "admin_key_set")
	key, _ := stringField(security, "admin_key")

	if !keySet {
		return result(node, "admin_key", "Admin key set", nil, inventory.StatusWarning,
			"Admin key not configured")
	}

	if key == "01" || key == "00" {
		return result(node, "admin_key", "Secure admin key", truncateKey(key),
			inventory.StatusFail,
			"Admin key appears to be default/weak")
	}

	var actual any
	if key != "" {
		actual = truncateKey(key)
	}
	return result(node, "admin_key", "Admin key set", actual, inventory.StatusPass,
		"Admin key is configured")
}

// CheckSerialDisabled warns when the serial console is left enabled.
func (c *Checker) CheckSerialDisabled(node *inventory.Node) inventory.ConfigCheck {
	security := section(node.Config, "security")
	serialEnabled, ok := boolField(security, "serial_enabled")
	if !ok {
		serialEnabled = true
	}

	if serialEnabled {
		return result(node, "serial_access", "Serial disabled", "Serial enabled",
			inventory.StatusWarning,
			"Serial console is enabled (security consideration)")
	}

	return result(node, "serial_access", "Serial disabled", "Serial disabled",
		inventory.StatusPass,
		"Serial console is disabled")
}

// CheckChannelEncryption reports, per channel, whether a PSK is set.
func (c *Checker) CheckChannelEncryption(node *inventory.Node) []inventory.ConfigCheck {
	chans := channels(node.Config)
	if len(chans) == 0 {
		return []inventory.ConfigCheck{result(node, "channel_encryption",
			"Channels configured", nil, inventory.StatusWarning,
			"No channels configured")}
	}

	var checks []inventory.ConfigCheck
	for _, raw := range chans {
		ch := asMap(raw)
		name, ok := stringField(ch, "name")
		if !ok || name == "" {
			index := "?"
			if idx, ok := numberField(ch, "index"); ok {
				index = fmt.Sprintf("%d", int(idx))
			}
			name = "Channel " + index
		}

		pskSet, _ := boolField(ch, "psk_set")
		if !pskSet {
			checks = append(checks, result(node, "channel_encryption",
				name+" encrypted", "Not encrypted", inventory.StatusWarning,
				name+" is not encrypted"))
			continue
		}

		actual := "encrypted"
		if psk, ok := stringField(ch, "psk"); ok && psk != "" {
			actual = "PSK: " + truncateKey(psk)
		}
		checks = append(checks, result(node, "channel_encryption",
			name+" encrypted", actual, inventory.StatusPass,
			name+" is encrypted"))
	}

	return checks
}

func result(node *inventory.Node, checkType string, expected, actual any,
	status inventory.CheckStatus, message string) inventory.ConfigCheck {
	return inventory.ConfigCheck{
		NodeID:    node.ID,
		CheckType: checkType,
		Expected:  expected,
		Actual:    actual,
		Status:    status,
		Message:   message,
	}
}

// truncateKey shortens key material for display.
func truncateKey(key string) string {
	if len(key) > 8 {
		return key[:8] + "..."
	}
	return key + "..."
}

// section returns a named map section of a decoded JSON config, or nil.
func section(cfg map[string]any, name string) map[string]any {
	if cfg == nil {
		return nil
	}
	return asMap(cfg[name])
}

// channels returns the channel list of a decoded JSON config, or nil.
func channels(cfg map[string]any) []any {
	if cfg == nil {
		return nil
	}
	list, _ := cfg["channels"].([]any)
	return list
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// numberField reads a numeric field, tolerating the types JSON and
// hand-built maps produce.
func numberField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

func boolField(m map[string]any, key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	b, ok := m[key].(bool)
	return b, ok
}
