package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Section identifies one administrative configuration section on a node.
type Section uint8

// Administrative configuration sections. The byte value is the section
// tag on the wire: an admin request payload is the single tag byte, and
// the reply payload is the tag byte followed by a JSON document of the
// section's fields.
const (
	SectionDevice   Section = 0x01
	SectionPosition Section = 0x02
	SectionPower    Section = 0x03
	SectionNetwork  Section = 0x04
	SectionLoRa     Section = 0x05
	SectionChannels Section = 0x06
	SectionSecurity Section = 0x07
)

// AllSections lists every section a full config retrieval requests.
var AllSections = []Section{
	SectionDevice,
	SectionPosition,
	SectionPower,
	SectionNetwork,
	SectionLoRa,
	SectionChannels,
	SectionSecurity,
}

// String returns the section name.
func (s Section) String() string {
	switch s {
	case SectionDevice:
		return "device"
	case SectionPosition:
		return "position"
	case SectionPower:
		return "power"
	case SectionNetwork:
		return "network"
	case SectionLoRa:
		return "lora"
	case SectionChannels:
		return "channels"
	case SectionSecurity:
		return "security"
	default:
		return fmt.Sprintf("section_%d", uint8(s))
	}
}

// PartialRetrievalError reports a config retrieval where some sections
// failed. The successfully retrieved sections are still returned
// alongside it; callers treat this as a warning, not a hard failure.
type PartialRetrievalError struct {
	// NodeID is the queried node.
	NodeID uint32

	// Failed maps each failed section to why it failed.
	Failed map[Section]error
}

// Error lists the failed sections and their causes.
func (e *PartialRetrievalError) Error() string {
	sections := make([]Section, 0, len(e.Failed))
	for s := range e.Failed {
		sections = append(sections, s)
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i] < sections[j] })

	parts := make([]string, 0, len(sections))
	for _, s := range sections {
		parts = append(parts, fmt.Sprintf("%s (%v)", s, e.Failed[s]))
	}
	return fmt.Sprintf("mesh: partial config retrieval from %s: %s",
		FormatNodeID(e.NodeID), strings.Join(parts, ", "))
}

// RetrieveConfig requests the given configuration sections from a node,
// one admin request per section, each correlated and waited on
// independently.
//
// Sections are isolated: a timeout or malformed reply for one section
// is recorded and the next section still runs. The result always
// contains every section that succeeded.
//
// Parameters:
//   - ctx: Context for send cancellation
//   - corr: Correlator bound to the same transport as tx
//   - tx: Transport to send on
//   - nodeID: Target node
//   - sections: Sections to request (AllSections for everything)
//   - timeout: Per-section wait deadline
//
// Returns:
//   - map[string]map[string]any: section name to decoded fields, for
//     each section that succeeded
//   - error: nil if all sections succeeded, *PartialRetrievalError if
//     some did, or a plain error if none produced data
func RetrieveConfig(ctx context.Context, corr *Correlator, tx Sender, nodeID uint32, sections []Section, timeout time.Duration) (map[string]map[string]any, error) {
	results := make(map[string]map[string]any)
	failed := make(map[Section]error)

	for _, section := range sections {
		fields, err := retrieveSection(ctx, corr, tx, nodeID, section, timeout)
		if err != nil {
			failed[section] = err
			// A dead transport will fail every remaining section the
			// same way; stop early.
			if errors.Is(err, ErrTransportClosed) {
				for _, rest := range sections[indexOf(sections, section)+1:] {
					failed[rest] = ErrTransportClosed
				}
				break
			}
			continue
		}
		results[section.String()] = fields
	}

	if len(failed) == 0 {
		return results, nil
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("config retrieval from %s produced no data: %w",
			FormatNodeID(nodeID), firstError(failed))
	}
	return results, &PartialRetrievalError{NodeID: nodeID, Failed: failed}
}

// Identify asks the locally attached node who it is.
//
// The request is a broadcast device-section query; only the node on the
// other end of the link answers, and the reply's sender address is its
// node id. Returns the id and the decoded device section fields.
func Identify(ctx context.Context, corr *Correlator, tx Sender, timeout time.Duration) (uint32, map[string]any, error) {
	id := tx.NextID()

	handle, err := corr.Track(id, KindAdminResponse)
	if err != nil {
		return 0, nil, fmt.Errorf("tracking request: %w", err)
	}

	if _, err := tx.Send(ctx, Packet{
		To:      Broadcast,
		ID:      id,
		Flags:   FlagWantAck,
		Port:    PortAdmin,
		Payload: []byte{byte(SectionDevice)},
	}); err != nil {
		corr.Untrack(handle)
		return 0, nil, fmt.Errorf("sending request: %w", err)
	}

	env, err := corr.AwaitResponse(handle, timeout)
	if err != nil {
		return 0, nil, err
	}

	fields, err := decodeSectionPayload(SectionDevice, env.Payload)
	if err != nil {
		return 0, nil, err
	}
	return env.From, fields, nil
}

// retrieveSection issues one admin request and decodes its reply.
func retrieveSection(ctx context.Context, corr *Correlator, tx Sender, nodeID uint32, section Section, timeout time.Duration) (map[string]any, error) {
	id := tx.NextID()

	handle, err := corr.Track(id, KindAdminResponse)
	if err != nil {
		return nil, fmt.Errorf("tracking request: %w", err)
	}

	if _, err := tx.Send(ctx, Packet{
		To:      nodeID,
		ID:      id,
		Flags:   FlagWantAck,
		Port:    PortAdmin,
		Payload: []byte{byte(section)},
	}); err != nil {
		corr.Untrack(handle)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	env, err := corr.AwaitResponse(handle, timeout)
	if err != nil {
		return nil, err
	}

	return decodeSectionPayload(section, env.Payload)
}

// decodeSectionPayload validates the tag byte and decodes the JSON
// fields of an admin reply.
func decodeSectionPayload(section Section, payload []byte) (map[string]any, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("%w: admin reply too short", ErrMalformedFrame)
	}
	if Section(payload[0]) != section {
		return nil, fmt.Errorf("%w: reply for section %s, requested %s",
			ErrMalformedFrame, Section(payload[0]), section)
	}

	var fields map[string]any
	if err := json.Unmarshal(payload[1:], &fields); err != nil {
		return nil, fmt.Errorf("%w: decoding %s fields: %w", ErrMalformedFrame, section, err)
	}
	return fields, nil
}

func indexOf(sections []Section, s Section) int {
	for i, v := range sections {
		if v == s {
			return i
		}
	}
	return len(sections) - 1
}

func firstError(failed map[Section]error) error {
	for _, err := range failed {
		return err
	}
	return nil
}
