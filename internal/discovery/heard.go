package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meshpool/nodepool-core/internal/inventory"
	"github.com/meshpool/nodepool-core/internal/mesh"
)

// sighting accumulates what broadcast traffic reveals about one node
// over a listening window.
type sighting struct {
	info     *mesh.NodeInfo
	position *mesh.Position
	snr      *float64
	lastSeen time.Time
}

// CollectHeard listens on a live connection for a window and records
// every node whose broadcasts arrive, excluding the attached node
// itself.
//
// The collector chains onto the connection's handler slot and forwards
// every raw packet to whatever handler was installed before it, so
// correlation keeps working while it listens. The previous handler is
// restored before return.
//
// Returns the heard nodes and one history entry per node attributed to
// seenBy.
func CollectHeard(ctx context.Context, slot mesh.HandlerSlot, selfID uint32, seenBy string, window time.Duration) ([]inventory.Node, []inventory.HeardEntry, error) {
	var mu sync.Mutex
	sightings := make(map[uint32]*sighting)

	record := func(from uint32) *sighting {
		s, ok := sightings[from]
		if !ok {
			s = &sighting{}
			sightings[from] = s
		}
		s.lastSeen = time.Now().UTC()
		return s
	}

	prev := slot.OnPacket()
	slot.SetOnPacket(func(raw []byte) {
		if pkt, err := mesh.ParsePacket(raw); err == nil && pkt.From != selfID && pkt.From != 0 {
			mu.Lock()
			switch pkt.Port {
			case mesh.PortNodeInfo:
				if info, err := mesh.DecodeNodeInfo(pkt.Payload); err == nil {
					record(pkt.From).info = &info
				}
			case mesh.PortPosition:
				if pos, err := mesh.DecodePosition(pkt.Payload); err == nil {
					record(pkt.From).position = &pos
				}
			case mesh.PortTelemetry:
				if tel, err := mesh.DecodeTelemetry(pkt.Payload); err == nil {
					s := record(pkt.From)
					if tel.SNR != nil {
						s.snr = tel.SNR
					}
				}
			}
			mu.Unlock()
		}

		if prev != nil {
			prev(raw)
		}
	})
	defer slot.SetOnPacket(prev)

	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	mu.Lock()
	defer mu.Unlock()

	ids := make([]uint32, 0, len(sightings))
	for id := range sightings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	nodes := make([]inventory.Node, 0, len(ids))
	entries := make([]inventory.HeardEntry, 0, len(ids))
	for _, id := range ids {
		s := sightings[id]
		node := inventory.Node{
			ID:        mesh.FormatNodeID(id),
			ShortName: "?",
			LongName:  "Unknown",
			LastSeen:  s.lastSeen,
			IsActive:  true,
			SNR:       s.snr,
			Config:    map[string]any{},
		}
		if s.info != nil {
			node.ShortName = s.info.ShortName
			node.LongName = s.info.LongName
			if s.info.HWModel != "" {
				hw := s.info.HWModel
				node.HWModel = &hw
			}
		}

		entry := inventory.HeardEntry{
			NodeID:    node.ID,
			SeenBy:    seenBy,
			Timestamp: s.lastSeen,
			SNR:       s.snr,
		}
		if s.position != nil {
			lat, lon := s.position.Latitude(), s.position.Longitude()
			entry.Lat, entry.Lon = &lat, &lon
		}

		nodes = append(nodes, node)
		entries = append(entries, entry)
	}

	return nodes, entries, nil
}
