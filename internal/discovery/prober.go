package discovery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/meshpool/nodepool-core/internal/inventory"
	"github.com/meshpool/nodepool-core/internal/mesh"
)

// ErrNoNode indicates a probed port had no responding node behind it.
var ErrNoNode = errors.New("discovery: no node responding")

// Prober connects to candidate ports and interrogates whatever answers.
type Prober struct {
	// Logger receives transport and probe events. Nil disables logging.
	Logger mesh.Logger

	// ConnectTimeout bounds connection establishment per port.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds each admin request wait.
	ResponseTimeout time.Duration
}

// Result is the outcome of probing one port.
type Result struct {
	// Port is the probed connection target.
	Port string

	// Node is the discovered node, nil when Err is set.
	Node *inventory.Node

	// Err is why the probe failed, nil when Node is set.
	Err error
}

// Discover probes every port concurrently and returns one Result per
// port, in the input order. Ports with nothing attached report an
// error Result; that is expected, not exceptional.
func (p *Prober) Discover(ctx context.Context, ports []string) []Result {
	results := make([]Result, len(ports))

	var wg sync.WaitGroup
	for i, port := range ports {
		wg.Add(1)
		go func(i int, port string) {
			defer wg.Done()
			node, err := p.Probe(ctx, port)
			results[i] = Result{Port: port, Node: node, Err: err}
		}(i, port)
	}
	wg.Wait()

	return results
}

// Probe connects to one port, identifies the attached node, and
// retrieves its configuration. The connection is closed before return.
//
// The target may be a bare serial device path or a full connection URL
// (serial:///dev/ttyUSB0, tcp://host:4403).
func (p *Prober) Probe(ctx context.Context, target string) (*inventory.Node, error) {
	client, err := mesh.Connect(ctx, mesh.Config{
		URL:            connectionURL(target),
		ConnectTimeout: p.ConnectTimeout,
	}, p.Logger)
	if err != nil {
		return nil, err
	}
	defer client.Close() //nolint:errcheck // Probe connection teardown

	corr := mesh.NewCorrelator(client, p.Logger)

	node, err := p.Interrogate(ctx, corr, client)
	if err != nil {
		return nil, err
	}

	if port, ok := serialPath(target); ok {
		node.SerialPort = &port
	}
	return node, nil
}

// Interrogate asks an already-connected node for its identity and
// configuration. Partial configuration retrieval is tolerated: the node
// is returned with whatever sections arrived.
func (p *Prober) Interrogate(ctx context.Context, corr *mesh.Correlator, tx mesh.Sender) (*inventory.Node, error) {
	nodeID, device, err := mesh.Identify(ctx, corr, tx, p.ResponseTimeout)
	if err != nil {
		if errors.Is(err, mesh.ErrResponseTimeout) {
			return nil, ErrNoNode
		}
		return nil, err
	}

	id := mesh.FormatNodeID(nodeID)
	now := time.Now().UTC()
	node := &inventory.Node{
		ID:        id,
		ShortName: stringField(device, "shortName", "UNKNOWN"),
		LongName:  stringField(device, "longName", "Unknown Node"),
		LastSeen:  now,
		IsActive:  true,
		Managed:   true,
		Config:    map[string]any{"device": device},
	}
	if hw := stringField(device, "hwModel", ""); hw != "" {
		node.HWModel = &hw
	}
	if fw := stringField(device, "firmware", ""); fw != "" {
		node.FirmwareVersion = &fw
	}

	sections, err := mesh.RetrieveConfig(ctx, corr, tx, nodeID,
		remainingSections(), p.ResponseTimeout)
	var partial *mesh.PartialRetrievalError
	if err != nil && !errors.As(err, &partial) {
		// Identity alone is still a discovery; keep the node with its
		// device section only.
		if p.Logger != nil {
			p.Logger.Warn("config retrieval failed", "node", id, "error", err)
		}
		return node, nil
	}
	if partial != nil && p.Logger != nil {
		p.Logger.Warn("partial config retrieval", "node", id, "error", partial)
	}

	mergeSections(node.Config, sections)
	return node, nil
}

// remainingSections is every section except device, which Identify
// already fetched.
func remainingSections() []mesh.Section {
	sections := make([]mesh.Section, 0, len(mesh.AllSections)-1)
	for _, s := range mesh.AllSections {
		if s != mesh.SectionDevice {
			sections = append(sections, s)
		}
	}
	return sections
}

// mergeSections folds retrieved sections into a node config map. The
// channels section is a list wrapped in a fields object on the wire;
// it is unwrapped here so checks see config["channels"] as a list.
func mergeSections(config map[string]any, sections map[string]map[string]any) {
	for name, fields := range sections {
		if name == "channels" {
			if list, ok := fields["channels"].([]any); ok {
				config["channels"] = list
				continue
			}
		}
		config[name] = fields
	}
}

// connectionURL normalises a probe target to a transport URL.
func connectionURL(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "serial://" + target
}

// serialPath reports the serial device path of a target, if it is one.
func serialPath(target string) (string, bool) {
	if strings.HasPrefix(target, "tcp://") {
		return "", false
	}
	return strings.TrimPrefix(target, "serial://"), true
}

func stringField(m map[string]any, key, fallback string) string {
	if s, ok := m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
