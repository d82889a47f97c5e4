package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/meshpool/nodepool-core/internal/gateway"
	"github.com/meshpool/nodepool-core/internal/infrastructure/config"
	"github.com/meshpool/nodepool-core/internal/infrastructure/influxdb"
	"github.com/meshpool/nodepool-core/internal/infrastructure/logging"
	"github.com/meshpool/nodepool-core/internal/infrastructure/mqtt"
	"github.com/meshpool/nodepool-core/internal/inventory"
	"github.com/meshpool/nodepool-core/internal/mesh"
)

// openSession dials the locally attached node every remote operation
// sends through. The caller must close the returned client.
func openSession(ctx context.Context, cfg *config.Config, log *logging.Logger, via string) (*mesh.Client, *mesh.Correlator, error) {
	client, err := mesh.Connect(ctx, mesh.Config{
		URL:            targetURL(via),
		ConnectTimeout: cfg.GetConnectTimeout(),
	}, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to %s: %w", via, err)
	}
	return client, mesh.NewCorrelator(client, log), nil
}

// runSend transmits a text message through a locally attached node and
// waits for delivery confirmation.
func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	via := fs.String("via", "", "serial port or URL of the attached node to send through")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("usage: nodepool send -via <port> <node-id|broadcast> <message>")
	}
	if *via == "" {
		return fmt.Errorf("send requires -via")
	}

	dest := fs.Arg(0)
	message := strings.Join(fs.Args()[1:], " ")

	to := mesh.Broadcast
	if dest != "broadcast" {
		var err error
		to, err = mesh.ParseNodeID(dest)
		if err != nil {
			return err
		}
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}

	client, corr, err := openSession(ctx, cfg, log, *via)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck // session teardown on exit path

	if err := mesh.SendText(ctx, corr, client, to, message, cfg.GetResponseTimeout()); err != nil {
		if errors.Is(err, mesh.ErrDeliveryUnconfirmed) {
			return fmt.Errorf("message sent but delivery was not confirmed: %w", err)
		}
		return err
	}

	fmt.Printf("Message delivered to %s\n", dest)
	return nil
}

// runConfig retrieves a node's configuration sections over the mesh
// through a locally attached node. Sections that fail are reported as a
// warning; the command only fails when nothing was retrieved.
func runConfig(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	via := fs.String("via", "", "serial port or URL of the attached node to send through")
	sectionNames := fs.String("sections", "", "comma-separated sections to request (default: all)")
	save := fs.Bool("save", false, "save the result as a configuration snapshot")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nodepool config -via <port> <node-id>")
	}
	if *via == "" {
		return fmt.Errorf("config requires -via")
	}

	nodeID, err := mesh.ParseNodeID(fs.Arg(0))
	if err != nil {
		return err
	}

	sections, err := parseSections(*sectionNames)
	if err != nil {
		return err
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}

	client, corr, err := openSession(ctx, cfg, log, *via)
	if err != nil {
		return err
	}
	defer client.Close() //nolint:errcheck // session teardown on exit path

	result, err := mesh.RetrieveConfig(ctx, corr, client, nodeID, sections, cfg.GetResponseTimeout())
	if err != nil {
		var partial *mesh.PartialRetrievalError
		if !errors.As(err, &partial) {
			return fmt.Errorf("retrieving config: %w", err)
		}
		// Partial data is still usable data.
		fmt.Printf("Warning: %v\n", partial)
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	fmt.Println(string(data))

	if *save {
		if err := saveSnapshot(ctx, cfg, log, fs.Arg(0), result); err != nil {
			return err
		}
		fmt.Println("Snapshot saved.")
	}
	return nil
}

// parseSections maps section names to their wire tags. Empty means all.
func parseSections(names string) ([]mesh.Section, error) {
	if names == "" {
		return mesh.AllSections, nil
	}
	byName := make(map[string]mesh.Section, len(mesh.AllSections))
	for _, s := range mesh.AllSections {
		byName[s.String()] = s
	}
	var sections []mesh.Section
	for _, name := range splitList(names) {
		s, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown section %q", name)
		}
		sections = append(sections, s)
	}
	return sections, nil
}

func saveSnapshot(ctx context.Context, cfg *config.Config, log *logging.Logger, nodeID string, sections map[string]map[string]any) error {
	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)

	snapshotCfg := make(map[string]any, len(sections))
	for name, fields := range sections {
		snapshotCfg[name] = fields
	}
	snapshot := &inventory.ConfigSnapshot{
		NodeID:    nodeID,
		Timestamp: time.Now().UTC(),
		Config:    snapshotCfg,
	}
	if err := repo.SaveSnapshot(ctx, snapshot); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// runAgent runs the long-lived gateway daemon: it consumes uplinked
// mesh frames from the MQTT broker, maintains the inventory, and
// forwards telemetry to InfluxDB until a shutdown signal arrives.
func runAgent(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	configPath := fs.String("config", getConfigPath(), "configuration file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadEnvironment(*configPath)
	if err != nil {
		return err
	}
	log.Info("starting nodepool agent",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	if !cfg.MQTT.Enabled {
		return fmt.Errorf("mqtt is disabled in configuration; the agent needs a broker")
	}

	db, repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDB(db, log)
	log.Info("database connected", "path", cfg.Database.Path)

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetLogger(log)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// Telemetry sink is optional; nil disables time-series writes.
	var tsdb gateway.TelemetryWriter
	if cfg.InfluxDB.Enabled {
		influxClient, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		tsdb = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	log.Info("all health checks passed")

	g := gateway.New(repo, tsdb, mqttClient.Topics(), byte(cfg.MQTT.QoS), log)

	log.Info("agent running, waiting for shutdown signal")
	if err := g.Run(ctx, mqttClient); err != nil {
		return fmt.Errorf("running gateway: %w", err)
	}

	log.Info("nodepool agent stopped")
	return nil
}
