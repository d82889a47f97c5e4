package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshpool/nodepool-core/internal/configcheck"
	"github.com/meshpool/nodepool-core/internal/discovery"
	"github.com/meshpool/nodepool-core/internal/infrastructure/config"
	"github.com/meshpool/nodepool-core/internal/infrastructure/logging"
	"github.com/meshpool/nodepool-core/internal/inventory"
	"github.com/meshpool/nodepool-core/internal/mesh"
	"github.com/meshpool/nodepool-core/internal/meshview"
)

// runDiscover scans serial ports for attached nodes, interrogates each
// responder, and saves the results. With -listen, it then stays on each
// discovered node's port for a listening window to import nodes heard
// over the mesh.
func runDiscover(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("discover", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	ports := fs.String("ports", "", "comma-separated serial ports to scan (default: autodetect)")
	listen := fs.Duration("listen", 0, "per-node mesh listening window for heard-node import (0 disables)")
	verbose := fs.Bool("verbose", false, "show failed port scans")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}

	portList := splitList(*ports)
	if len(portList) == 0 {
		portList = scanPorts(cfg)
	}
	if len(portList) == 0 {
		return fmt.Errorf("no serial ports found to scan")
	}

	fmt.Printf("Scanning %d serial port(s)...\n", len(portList))

	prober := &discovery.Prober{
		Logger:          log,
		ConnectTimeout:  cfg.GetConnectTimeout(),
		ResponseTimeout: cfg.GetResponseTimeout(),
	}
	results := prober.Discover(ctx, portList)

	var nodes []*inventory.Node
	for _, res := range results {
		if res.Err != nil {
			if *verbose {
				fmt.Printf("  x %s: no response\n", res.Port)
			}
			continue
		}
		nodes = append(nodes, res.Node)
		fmt.Printf("  + %s -> %s (%s)\n", res.Port, res.Node.ShortName, orUnknown(res.Node.HWModel))
	}

	if len(nodes) == 0 {
		if !*verbose {
			fmt.Println("Tip: use -verbose to see all scanned ports")
		}
		return fmt.Errorf("no nodes discovered")
	}

	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	discoveredIDs := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if err := repo.SaveNode(ctx, node); err != nil {
			return fmt.Errorf("saving node %s: %w", node.ID, err)
		}
		discoveredIDs = append(discoveredIDs, node.ID)
	}
	fmt.Printf("Saved %d managed node(s).\n", len(nodes))

	// Managed nodes absent this scan are no longer attached.
	if err := repo.MarkInactiveExcept(ctx, discoveredIDs); err != nil {
		return fmt.Errorf("marking inactive nodes: %w", err)
	}

	if *listen > 0 {
		for _, node := range nodes {
			if node.SerialPort == nil {
				continue
			}
			fmt.Printf("Listening for heard nodes via %s...\n", node.ShortName)
			if err := importHeard(ctx, cfg, log, repo, node, *listen); err != nil {
				fmt.Printf("  Warning: could not import heard nodes: %v\n", err)
			}
		}
	}

	return nil
}

// scanPorts returns the serial ports to probe: configured glob patterns
// when set, the OS defaults otherwise.
func scanPorts(cfg *config.Config) []string {
	if len(cfg.Transport.SerialPatterns) == 0 {
		return discovery.ListSerialPorts()
	}
	var ports []string
	for _, pattern := range cfg.Transport.SerialPatterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	return ports
}

// importHeard opens a session to a managed node, listens passively for
// the window, and saves every node heard over the mesh along with its
// sighting records.
func importHeard(ctx context.Context, cfg *config.Config, log *logging.Logger, repo inventory.Repository, via *inventory.Node, window time.Duration) error {
	selfID, err := mesh.ParseNodeID(via.ID)
	if err != nil {
		return err
	}

	client, err := mesh.Connect(ctx, mesh.Config{
		URL:            targetURL(*via.SerialPort),
		ConnectTimeout: cfg.GetConnectTimeout(),
	}, log)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck // session teardown on exit path

	heard, entries, err := discovery.CollectHeard(ctx, client, selfID, via.ID, window)
	if err != nil {
		return err
	}

	newCount, updatedCount := 0, 0
	for i := range heard {
		node := &heard[i]
		if _, getErr := repo.GetNode(ctx, node.ID); errors.Is(getErr, inventory.ErrNodeNotFound) {
			newCount++
		} else {
			updatedCount++
		}
		if err := repo.SaveNode(ctx, node); err != nil {
			return fmt.Errorf("saving heard node %s: %w", node.ID, err)
		}
	}
	for i := range entries {
		if err := repo.SaveHeard(ctx, &entries[i]); err != nil {
			return fmt.Errorf("saving heard entry: %w", err)
		}
	}

	fmt.Printf("  Imported %d heard node(s) (%d new, %d updated)\n",
		len(heard), newCount, updatedCount)
	return nil
}

// runList prints the pool roster.
func runList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	showAll := fs.Bool("all", false, "include inactive nodes")
	heardOnly := fs.Bool("heard-only", false, "show only nodes heard over the mesh")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}
	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	if *heardOnly {
		nodes, err := repo.HeardNodes(ctx, "")
		if err != nil {
			return fmt.Errorf("listing heard nodes: %w", err)
		}
		if len(nodes) == 0 {
			fmt.Println("Run \"nodepool sync\" to import heard nodes.")
			return fmt.Errorf("no heard nodes found")
		}
		printHeardTable(nodes)
		return nil
	}

	all, err := repo.ListNodes(ctx, !*showAll)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	var nodes []inventory.Node
	for _, n := range all {
		if n.Managed {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		fmt.Println("Run \"nodepool discover\" to add nodes.")
		return fmt.Errorf("no nodes found in database")
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SHORT NAME\tNODE ID\tHARDWARE\tFIRMWARE\tSERIAL PORT\tSTATUS")
	for _, n := range nodes {
		port := "Not set"
		if n.SerialPort != nil {
			port = *n.SerialPort
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ShortName, n.ID, orUnknown(n.HWModel), orUnknown(n.FirmwareVersion),
			port, activeLabel(n.IsActive))
	}
	w.Flush() //nolint:errcheck // stdout
	fmt.Printf("\nTotal: %d node(s)\n", len(nodes))
	return nil
}

func printHeardTable(nodes []inventory.Node) {
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SHORT NAME\tNODE ID\tHARDWARE\tSNR\tHOPS\tLAST SEEN")
	for _, n := range nodes {
		snr := "?"
		if n.SNR != nil {
			snr = fmt.Sprintf("%.1f", *n.SNR)
		}
		hops := "?"
		if n.HopsAway != nil {
			hops = fmt.Sprintf("%d", *n.HopsAway)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.ShortName, n.ID, orUnknown(n.HWModel), snr, hops,
			n.LastSeen.Format("2006-01-02 15:04"))
	}
	w.Flush() //nolint:errcheck // stdout
	fmt.Printf("\nTotal: %d heard node(s)\n", len(nodes))
}

func activeLabel(active bool) string {
	if active {
		return "Active"
	}
	return "Inactive"
}

// runInfo prints one node's full record.
func runInfo(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nodepool info <node-id>")
	}
	nodeID := fs.Arg(0)

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}
	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	node, err := repo.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, inventory.ErrNodeNotFound) {
			return fmt.Errorf("node %s not found in database", nodeID)
		}
		return fmt.Errorf("loading node: %w", err)
	}

	fmt.Printf("Node Information: %s\n", node.ShortName)
	fmt.Printf("  ID:          %s\n", node.ID)
	fmt.Printf("  Short Name:  %s\n", node.ShortName)
	fmt.Printf("  Long Name:   %s\n", node.LongName)
	fmt.Printf("  Hardware:    %s\n", orUnknown(node.HWModel))
	fmt.Printf("  Firmware:    %s\n", orUnknown(node.FirmwareVersion))
	port := "Not set"
	if node.SerialPort != nil {
		port = *node.SerialPort
	}
	fmt.Printf("  Serial Port: %s\n", port)
	fmt.Printf("  Last Seen:   %s\n", node.LastSeen.Format(time.RFC3339))
	fmt.Printf("  Status:      %s\n", activeLabel(node.IsActive))

	if len(node.Config) > 0 {
		fmt.Println("\nConfiguration:")
		if lora, ok := node.Config["lora"].(map[string]any); ok {
			fmt.Printf("  LoRa: hop limit %v, region %v\n",
				fieldOr(lora, "hopLimit", "not set"), fieldOr(lora, "region", "not set"))
		}
		if device, ok := node.Config["device"].(map[string]any); ok {
			fmt.Printf("  Device: role %v\n", fieldOr(device, "role", "not set"))
		}
		if channels, ok := node.Config["channels"].([]any); ok {
			fmt.Println("  Channels:")
			for _, ch := range channels {
				chMap, ok := ch.(map[string]any)
				if !ok {
					continue
				}
				fmt.Printf("    [%v] %v\n",
					fieldOr(chMap, "index", "?"), fieldOr(chMap, "name", "Unnamed"))
			}
		}
	}
	return nil
}

func fieldOr(m map[string]any, key string, fallback any) any {
	if v, ok := m[key]; ok && v != nil {
		return v
	}
	return fallback
}

// runCheck audits every active node's stored configuration against the
// fleet policy and records the results.
func runCheck(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	ttl := fs.Int("ttl", 0, "expected hop limit (default: pool policy)")
	region := fs.String("region", "", "expected LoRa region (default: pool policy)")
	channels := fs.String("channels", "", "comma-separated expected channel names (default: pool policy)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}
	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	expectedTTL := cfg.Pool.ExpectedTTL
	if *ttl > 0 {
		expectedTTL = *ttl
	}
	expectedRegion := cfg.Pool.ExpectedRegion
	if *region != "" {
		expectedRegion = *region
	}
	expectedChannels := cfg.Pool.ExpectedChannels
	if *channels != "" {
		expectedChannels = splitList(*channels)
	}

	all, err := repo.ListNodes(ctx, true)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	var nodes []inventory.Node
	for _, n := range all {
		if n.Managed {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes found in database")
	}

	fmt.Printf("Running configuration checks on %d node(s)...\n\n", len(nodes))

	checker := configcheck.New(expectedTTL, expectedRegion, expectedChannels)
	checks := checker.CheckAllNodes(nodes)

	if err := repo.SaveChecks(ctx, checks); err != nil {
		return fmt.Errorf("saving check results: %w", err)
	}

	passCount, failCount, warnCount := 0, 0, 0
	for _, node := range nodes {
		fmt.Printf("%s (%s)\n", node.ShortName, node.ID)
		for _, c := range checks {
			if c.NodeID != node.ID {
				continue
			}
			var icon string
			switch c.Status {
			case inventory.StatusPass:
				icon = "ok  "
				passCount++
			case inventory.StatusFail:
				icon = "FAIL"
				failCount++
			case inventory.StatusWarning:
				icon = "warn"
				warnCount++
			}
			fmt.Printf("  [%s] %s\n", icon, c.Message)
		}
		fmt.Println()
	}

	fmt.Printf("Summary: %d passed, %d failed, %d warnings\n",
		passCount, failCount, warnCount)
	return nil
}

// runStatus probes each managed node's serial port and reports
// reachability. A node is reachable when it answers an identify request
// within the response timeout.
func runStatus(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}
	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	all, err := repo.ListNodes(ctx, false)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	var nodes []inventory.Node
	for _, n := range all {
		if n.Managed {
			nodes = append(nodes, n)
		}
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes found in database")
	}

	fmt.Printf("Checking status of %d node(s)...\n\n", len(nodes))

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tSERIAL PORT\tSTATUS\tERROR")
	reachableCount := 0
	for _, n := range nodes {
		port := "Not set"
		status := "Unreachable"
		detail := ""
		if n.SerialPort != nil {
			port = *n.SerialPort
			if err := probeReachability(ctx, cfg, log, port); err != nil {
				detail = err.Error()
			} else {
				status = "Reachable"
				reachableCount++
			}
		} else {
			detail = "no serial port recorded"
		}
		fmt.Fprintf(w, "%s (%s)\t%s\t%s\t%s\n", n.ShortName, n.ID, port, status, detail)
	}
	w.Flush() //nolint:errcheck // stdout

	fmt.Printf("\n%d/%d node(s) reachable\n", reachableCount, len(nodes))
	return nil
}

// probeReachability opens a session and sends an identify request.
func probeReachability(ctx context.Context, cfg *config.Config, log *logging.Logger, port string) error {
	client, err := mesh.Connect(ctx, mesh.Config{
		URL:            targetURL(port),
		ConnectTimeout: cfg.GetConnectTimeout(),
	}, log)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck // probe session

	corr := mesh.NewCorrelator(client, log)
	_, _, err = mesh.Identify(ctx, corr, client, cfg.GetResponseTimeout())
	return err
}

// runSync imports nodes heard on the mesh, either by listening through
// attached managed nodes (-from mesh) or by querying the MeshView
// community API (-from meshview).
func runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	from := fs.String("from", "mesh", "sync source: mesh or meshview")
	port := fs.String("port", "", "restrict mesh sync to one serial port")
	listen := fs.Duration("listen", 30*time.Second, "per-node mesh listening window")
	days := fs.Int("days", 0, "meshview activity window in days (default: config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}
	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	switch *from {
	case "mesh":
		return syncFromMesh(ctx, cfg, log, repo, *port, *listen)
	case "meshview":
		return syncFromMeshView(ctx, cfg, repo, *days)
	default:
		return fmt.Errorf("unknown sync source %q (want mesh or meshview)", *from)
	}
}

func syncFromMesh(ctx context.Context, cfg *config.Config, log *logging.Logger, repo inventory.Repository, port string, listen time.Duration) error {
	all, err := repo.ListNodes(ctx, true)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	var managed []inventory.Node
	for _, n := range all {
		if n.Managed && n.SerialPort != nil {
			if port != "" && *n.SerialPort != port {
				continue
			}
			managed = append(managed, n)
		}
	}
	if len(managed) == 0 {
		if port != "" {
			return fmt.Errorf("no managed node found on port %s", port)
		}
		fmt.Println("Run \"nodepool discover\" first.")
		return fmt.Errorf("no managed nodes with serial ports found")
	}

	fmt.Printf("Syncing heard nodes from %d managed node(s)...\n", len(managed))
	failures := 0
	for i := range managed {
		node := &managed[i]
		fmt.Printf("Syncing from %s (%s)...\n", node.ShortName, *node.SerialPort)
		if err := importHeard(ctx, cfg, log, repo, node, listen); err != nil {
			fmt.Printf("  Error: %v\n", err)
			failures++
		}
	}
	if failures == len(managed) {
		return fmt.Errorf("all sync sources failed")
	}
	return nil
}

func syncFromMeshView(ctx context.Context, cfg *config.Config, repo inventory.Repository, days int) error {
	if days <= 0 {
		days = cfg.MeshView.DaysActive
	}
	fmt.Printf("Fetching nodes from MeshView API (%s, %d day(s) of activity)...\n",
		cfg.MeshView.BaseURL, days)

	client := meshview.NewClient(cfg.MeshView.BaseURL, cfg.GetMeshViewTimeout())
	nodes, entries, err := client.FetchNodes(ctx, days)
	if err != nil {
		return fmt.Errorf("fetching from MeshView API: %w", err)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes found from MeshView API")
	}

	newCount, updatedCount := 0, 0
	for i := range nodes {
		node := &nodes[i]
		if _, getErr := repo.GetNode(ctx, node.ID); errors.Is(getErr, inventory.ErrNodeNotFound) {
			newCount++
		} else {
			updatedCount++
		}
		if err := repo.SaveNode(ctx, node); err != nil {
			return fmt.Errorf("saving node %s: %w", node.ID, err)
		}
	}
	for i := range entries {
		if err := repo.SaveHeard(ctx, &entries[i]); err != nil {
			return fmt.Errorf("saving heard entry: %w", err)
		}
	}

	fmt.Printf("Synced %d node(s) from MeshView API (%d new, %d updated)\n",
		len(nodes), newCount, updatedCount)
	return nil
}

// runHeard lists nodes heard over the mesh, optionally filtered by the
// managed node that heard them.
func runHeard(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("heard", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	seenBy := fs.String("seen-by", "", "filter by the managed node that heard them")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}
	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	nodes, err := repo.HeardNodes(ctx, *seenBy)
	if err != nil {
		return fmt.Errorf("listing heard nodes: %w", err)
	}
	if len(nodes) == 0 {
		fmt.Println("Run \"nodepool sync\" to import heard nodes.")
		return fmt.Errorf("no heard nodes found")
	}

	printHeardTable(nodes)
	return nil
}

// exportedNode is the export document shape, stable across formats.
type exportedNode struct {
	ID              string         `json:"id" yaml:"id"`
	ShortName       string         `json:"short_name" yaml:"short_name"`
	LongName        string         `json:"long_name" yaml:"long_name"`
	SerialPort      *string        `json:"serial_port" yaml:"serial_port"`
	HWModel         *string        `json:"hw_model" yaml:"hw_model"`
	FirmwareVersion *string        `json:"firmware_version" yaml:"firmware_version"`
	LastSeen        string         `json:"last_seen" yaml:"last_seen"`
	IsActive        bool           `json:"is_active" yaml:"is_active"`
	Managed         bool           `json:"managed" yaml:"managed"`
	Config          map[string]any `json:"config" yaml:"config"`
}

// runExport writes all node records as JSON or YAML.
func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	output := fs.String("output", "", "output file (default: stdout)")
	format := fs.String("format", "json", "output format: json or yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *format != "json" && *format != "yaml" {
		return fmt.Errorf("unknown format %q (want json or yaml)", *format)
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}
	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	nodes, err := repo.ListNodes(ctx, false)
	if err != nil {
		return fmt.Errorf("listing nodes: %w", err)
	}
	if len(nodes) == 0 {
		return fmt.Errorf("no nodes found in database")
	}

	docs := make([]exportedNode, 0, len(nodes))
	for _, n := range nodes {
		docs = append(docs, exportedNode{
			ID:              n.ID,
			ShortName:       n.ShortName,
			LongName:        n.LongName,
			SerialPort:      n.SerialPort,
			HWModel:         n.HWModel,
			FirmwareVersion: n.FirmwareVersion,
			LastSeen:        n.LastSeen.Format(time.RFC3339),
			IsActive:        n.IsActive,
			Managed:         n.Managed,
			Config:          n.Config,
		})
	}

	var data []byte
	if *format == "json" {
		data, err = json.MarshalIndent(docs, "", "  ")
	} else {
		data, err = yaml.Marshal(docs)
	}
	if err != nil {
		return fmt.Errorf("encoding export: %w", err)
	}

	if *output == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(*output, data, 0600); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	fmt.Printf("Exported %d node(s) to %s\n", len(docs), *output)
	return nil
}
