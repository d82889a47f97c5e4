package mesh

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantScheme string
		wantTarget string
		wantErr    bool
	}{
		{
			name:       "serial device",
			url:        "serial:///dev/ttyUSB0",
			wantScheme: "serial",
			wantTarget: "/dev/ttyUSB0",
		},
		{
			name:       "tcp with port",
			url:        "tcp://192.168.1.50:4403",
			wantScheme: "tcp",
			wantTarget: "192.168.1.50:4403",
		},
		{
			name:       "tcp default port",
			url:        "tcp://node.local",
			wantScheme: "tcp",
			wantTarget: "node.local:4403",
		},
		{
			name:    "serial missing path",
			url:     "serial://",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			url:     "http://example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, target, err := parseConnectionURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseConnectionURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if scheme != tt.wantScheme || target != tt.wantTarget {
				t.Errorf("parseConnectionURL(%q) = %q, %q, want %q, %q",
					tt.url, scheme, target, tt.wantScheme, tt.wantTarget)
			}
		})
	}
}

// startTestNode runs a minimal node endpoint on loopback and returns
// its URL plus a channel yielding the accepted connection.
func startTestNode(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()

	return fmt.Sprintf("tcp://%s", ln.Addr().String()), conns
}

func TestClientReceive(t *testing.T) {
	url, conns := startTestNode(t)

	client, err := Connect(context.Background(), Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	received := make(chan Packet, 4)
	client.SetOnPacket(func(raw []byte) {
		pkt, err := ParsePacket(raw)
		if err != nil {
			t.Errorf("ParsePacket() error = %v", err)
			return
		}
		// Payload aliases the read buffer.
		pkt.Payload = append([]byte(nil), pkt.Payload...)
		received <- pkt
	})

	server := <-conns
	defer server.Close()

	first := Packet{From: 0x10, ID: 1, Port: PortText, Payload: []byte("one")}
	second := Packet{From: 0x10, ID: 2, Port: PortText, Payload: []byte("two")}

	// Line noise between packets must not derail the stream.
	var wire []byte
	wire = append(wire, first.EncodeStream()...)
	wire = append(wire, 0x00, 0x94, 0x11)
	wire = append(wire, second.EncodeStream()...)
	if _, err := server.Write(wire); err != nil {
		t.Fatalf("server write: %v", err)
	}

	for i, want := range []Packet{first, second} {
		select {
		case got := <-received:
			if got.ID != want.ID || string(got.Payload) != string(want.Payload) {
				t.Errorf("packet %d = %+v, want %+v", i, got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("packet %d not received", i)
		}
	}
}

func TestClientSend(t *testing.T) {
	url, conns := startTestNode(t)

	client, err := Connect(context.Background(), Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	server := <-conns
	defer server.Close()

	id, err := client.Send(context.Background(), Packet{
		To:      0x20,
		Flags:   FlagWantAck,
		Port:    PortText,
		Payload: []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id == 0 {
		t.Error("Send() allocated id 0")
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(server, header); err != nil {
		t.Fatalf("server read header: %v", err)
	}
	if header[0] != Magic1 || header[1] != Magic2 {
		t.Fatalf("bad magic: %02x %02x", header[0], header[1])
	}
	length := binary.BigEndian.Uint16(header[2:4])

	body := make([]byte, length)
	if _, err := io.ReadFull(server, body); err != nil {
		t.Fatalf("server read body: %v", err)
	}
	pkt, err := ParsePacket(body)
	if err != nil {
		t.Fatalf("ParsePacket() error = %v", err)
	}
	if pkt.ID != id {
		t.Errorf("wire id = %d, Send() returned %d", pkt.ID, id)
	}
	if pkt.To != 0x20 || !pkt.WantAck() {
		t.Errorf("wire packet = %+v", pkt)
	}
}

// TestClientSendOversized verifies a payload too large for the stream
// envelope is rejected before transmission rather than silently dropped
// by the receiver's length check.
func TestClientSendOversized(t *testing.T) {
	url, conns := startTestNode(t)

	client, err := Connect(context.Background(), Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	server := <-conns
	defer server.Close()

	_, err = client.Send(context.Background(), Packet{
		To:      0x20,
		Port:    PortText,
		Payload: make([]byte, MaxPacketSize),
	})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Send() error = %v, want ErrSendFailed", err)
	}
	if tx := client.Stats().PacketsTx; tx != 0 {
		t.Errorf("PacketsTx = %d, want 0", tx)
	}

	// The largest payload that fits must still go through.
	if _, err := client.Send(context.Background(), Packet{
		To:      0x20,
		Port:    PortText,
		Payload: make([]byte, MaxPacketSize-packetHeaderLen),
	}); err != nil {
		t.Fatalf("Send(max payload) error = %v", err)
	}
}

func TestClientDoneOnPeerClose(t *testing.T) {
	url, conns := startTestNode(t)

	client, err := Connect(context.Background(), Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	server := <-conns
	server.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after peer disconnect")
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after session end")
	}

	if _, err := client.Send(context.Background(), Packet{To: 1, Port: PortText}); err == nil {
		t.Error("Send() after session end succeeded, want error")
	}
}

func TestClientNextID(t *testing.T) {
	url, conns := startTestNode(t)

	client, err := Connect(context.Background(), Config{URL: url}, nil)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup
	defer func() { (<-conns).Close() }()

	seen := make(map[uint32]bool)
	for i := 0; i < 1000; i++ {
		id := client.NextID()
		if id == 0 {
			t.Fatal("NextID() returned 0")
		}
		if seen[id] {
			t.Fatalf("NextID() repeated id %d", id)
		}
		seen[id] = true
	}
}

func TestConnect_Refused(t *testing.T) {
	_, err := Connect(context.Background(), Config{
		URL:            "tcp://127.0.0.1:1",
		ConnectTimeout: time.Second,
	}, nil)
	if err == nil {
		t.Fatal("Connect() to closed port succeeded")
	}
}
