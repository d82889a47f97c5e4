package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshpool/nodepool-core/internal/mesh"
)

// fakeNode implements the transport surfaces the prober and heard
// collector use, replying to admin requests like a real node would.
type fakeNode struct {
	mu      sync.Mutex
	handler func(raw []byte)
	next    uint32
	done    chan struct{}

	// id is the node's own address, used as From on replies.
	id uint32

	// replies maps section tags to JSON bodies. Missing sections stay
	// silent.
	replies map[mesh.Section]string
}

func newFakeNode(id uint32, replies map[mesh.Section]string) *fakeNode {
	return &fakeNode{id: id, done: make(chan struct{}), replies: replies}
}

func (f *fakeNode) OnPacket() func(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *fakeNode) SetOnPacket(handler func(raw []byte)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *fakeNode) Done() <-chan struct{} { return f.done }

func (f *fakeNode) NextID() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return f.next
}

func (f *fakeNode) Send(_ context.Context, pkt mesh.Packet) (uint32, error) {
	if pkt.Port != mesh.PortAdmin || len(pkt.Payload) != 1 {
		return pkt.ID, nil
	}
	section := mesh.Section(pkt.Payload[0])
	body, ok := f.replies[section]
	if !ok {
		return pkt.ID, nil
	}
	f.inject(mesh.Packet{
		From:    f.id,
		ID:      pkt.ID,
		Port:    mesh.PortAdmin,
		Payload: append([]byte{byte(section)}, []byte(body)...),
	})
	return pkt.ID, nil
}

func (f *fakeNode) inject(pkt mesh.Packet) {
	if h := f.OnPacket(); h != nil {
		h(pkt.Encode())
	}
}

func TestInterrogate(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		node := newFakeNode(0x43588858, map[mesh.Section]string{
			mesh.SectionDevice:   `{"shortName":"GW01","longName":"Gateway One","hwModel":"TBEAM","firmware":"2.5.1"}`,
			mesh.SectionPosition: `{"broadcast_secs":900}`,
			mesh.SectionPower:    `{"is_power_saving":false}`,
			mesh.SectionNetwork:  `{"wifi_enabled":false}`,
			mesh.SectionLoRa:     `{"hopLimit":7,"region":"US"}`,
			mesh.SectionChannels: `{"channels":[{"name":"primary","psk_set":true}]}`,
			mesh.SectionSecurity: `{"admin_key_set":true,"serial_enabled":false}`,
		})
		corr := mesh.NewCorrelator(node, nil)
		prober := &Prober{ResponseTimeout: time.Second}

		got, err := prober.Interrogate(context.Background(), corr, node)
		if err != nil {
			t.Fatalf("Interrogate() error = %v", err)
		}

		if got.ID != "!43588858" {
			t.Errorf("ID = %q, want !43588858", got.ID)
		}
		if got.ShortName != "GW01" || got.LongName != "Gateway One" {
			t.Errorf("names = %q/%q", got.ShortName, got.LongName)
		}
		if got.HWModel == nil || *got.HWModel != "TBEAM" {
			t.Errorf("HWModel = %v, want TBEAM", got.HWModel)
		}
		if got.FirmwareVersion == nil || *got.FirmwareVersion != "2.5.1" {
			t.Errorf("FirmwareVersion = %v, want 2.5.1", got.FirmwareVersion)
		}
		if !got.Managed || !got.IsActive {
			t.Errorf("Managed/IsActive = %v/%v, want true/true", got.Managed, got.IsActive)
		}

		lora, ok := got.Config["lora"].(map[string]any)
		if !ok {
			t.Fatalf("Config[lora] = %T, want map", got.Config["lora"])
		}
		if lora["region"] != "US" {
			t.Errorf("lora.region = %v, want US", lora["region"])
		}

		channels, ok := got.Config["channels"].([]any)
		if !ok {
			t.Fatalf("Config[channels] = %T, want list", got.Config["channels"])
		}
		if len(channels) != 1 {
			t.Errorf("channels = %d entries, want 1", len(channels))
		}
	})

	t.Run("identity alone survives missing sections", func(t *testing.T) {
		node := newFakeNode(0x20, map[mesh.Section]string{
			mesh.SectionDevice: `{"shortName":"RM01","longName":"Remote One"}`,
		})
		corr := mesh.NewCorrelator(node, nil)
		prober := &Prober{ResponseTimeout: 20 * time.Millisecond}

		got, err := prober.Interrogate(context.Background(), corr, node)
		if err != nil {
			t.Fatalf("Interrogate() error = %v", err)
		}
		if got.ID != "!00000020" {
			t.Errorf("ID = %q, want !00000020", got.ID)
		}
		if _, ok := got.Config["device"]; !ok {
			t.Error("device section missing from config")
		}
		if _, ok := got.Config["lora"]; ok {
			t.Error("lora section present, want absent")
		}
	})

	t.Run("silent port reports no node", func(t *testing.T) {
		node := newFakeNode(0x20, nil)
		corr := mesh.NewCorrelator(node, nil)
		prober := &Prober{ResponseTimeout: 20 * time.Millisecond}

		_, err := prober.Interrogate(context.Background(), corr, node)
		if !errors.Is(err, ErrNoNode) {
			t.Errorf("Interrogate() error = %v, want ErrNoNode", err)
		}
	})
}

func TestCollectHeard(t *testing.T) {
	node := newFakeNode(0x01, nil)
	// Standing handler, as the ingress loop would install.
	var forwarded [][]byte
	var forwardedMu sync.Mutex
	node.SetOnPacket(func(raw []byte) {
		forwardedMu.Lock()
		forwarded = append(forwarded, raw)
		forwardedMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Broadcasts arrive while the collector listens.
		time.Sleep(20 * time.Millisecond)
		node.inject(mesh.Packet{From: 0xAA, To: mesh.Broadcast, ID: 9, Port: mesh.PortNodeInfo,
			Payload: []byte(`{"shortName":"RM01","longName":"Remote One","hwModel":"HELTEC_V3"}`)})
		node.inject(mesh.Packet{From: 0xAA, To: mesh.Broadcast, ID: 10, Port: mesh.PortPosition,
			Payload: []byte(`{"latitudeI":377749000,"longitudeI":-1224194000}`)})
		node.inject(mesh.Packet{From: 0xAA, To: mesh.Broadcast, ID: 11, Port: mesh.PortTelemetry,
			Payload: []byte(`{"snr":-6.5}`)})
		node.inject(mesh.Packet{From: 0xBB, To: mesh.Broadcast, ID: 12, Port: mesh.PortPosition,
			Payload: []byte(`{"latitudeI":377000000,"longitudeI":-1223000000}`)})
		// The attached node's own broadcast is excluded.
		node.inject(mesh.Packet{From: 0x01, To: mesh.Broadcast, ID: 13, Port: mesh.PortNodeInfo,
			Payload: []byte(`{"shortName":"GW01","longName":"Gateway One"}`)})
	}()

	nodes, entries, err := CollectHeard(context.Background(), node, 0x01, "!00000001", 150*time.Millisecond)
	if err != nil {
		t.Fatalf("CollectHeard() error = %v", err)
	}
	<-done

	if len(nodes) != 2 {
		t.Fatalf("got %d nodes, want 2", len(nodes))
	}

	first := nodes[0]
	if first.ID != "!000000aa" {
		t.Errorf("first ID = %q, want !000000aa", first.ID)
	}
	if first.ShortName != "RM01" {
		t.Errorf("first ShortName = %q, want RM01", first.ShortName)
	}
	if first.SNR == nil || *first.SNR != -6.5 {
		t.Errorf("first SNR = %v, want -6.5", first.SNR)
	}

	second := nodes[1]
	if second.ID != "!000000bb" || second.ShortName != "?" {
		t.Errorf("second = %q/%q, want !000000bb/?", second.ID, second.ShortName)
	}

	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].SeenBy != "!00000001" {
		t.Errorf("SeenBy = %q, want !00000001", entries[0].SeenBy)
	}
	if entries[0].Lat == nil || *entries[0].Lat != 37.7749 {
		t.Errorf("Lat = %v, want 37.7749", entries[0].Lat)
	}

	// Additivity: every injected packet still reached the previous
	// handler.
	forwardedMu.Lock()
	defer forwardedMu.Unlock()
	if len(forwarded) != 5 {
		t.Errorf("forwarded %d packets, want 5", len(forwarded))
	}
}

func TestDiscover(t *testing.T) {
	// Unreachable targets fail fast and keep their input slots.
	prober := &Prober{ConnectTimeout: 200 * time.Millisecond, ResponseTimeout: 50 * time.Millisecond}
	results := prober.Discover(context.Background(),
		[]string{"tcp://127.0.0.1:1", "tcp://127.0.0.1:2"})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for i, r := range results {
		if r.Err == nil {
			t.Errorf("result %d error = nil, want connection failure", i)
		}
		if r.Node != nil {
			t.Errorf("result %d node = %+v, want nil", i, r.Node)
		}
	}
	if results[0].Port != "tcp://127.0.0.1:1" {
		t.Errorf("result order not preserved: %q", results[0].Port)
	}
}

func TestListSerialPorts(t *testing.T) {
	t.Run("windows enumerates com ports", func(t *testing.T) {
		ports := listSerialPorts("windows")
		if len(ports) != 20 {
			t.Fatalf("got %d ports, want 20", len(ports))
		}
		if ports[0] != "COM1" || ports[19] != "COM20" {
			t.Errorf("range = %s..%s, want COM1..COM20", ports[0], ports[19])
		}
	})

	t.Run("linux globs do not error", func(t *testing.T) {
		// Result depends on attached hardware; only the shape is checked.
		for _, port := range listSerialPorts("linux") {
			if port == "" {
				t.Error("empty port path")
			}
		}
	})
}
