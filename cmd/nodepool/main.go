// Nodepool Core - Mesh Radio Fleet Manager
//
// This is the main entry point for the nodepool command-line tool.
// Nodepool manages a fleet of mesh radio nodes: discovering them on
// serial ports, auditing their configuration against fleet policy,
// tracking nodes heard over the mesh, and running the MQTT gateway
// agent that ingests uplinked frames from remote gateways.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/meshpool/nodepool-core/migrations"

	"github.com/meshpool/nodepool-core/internal/infrastructure/config"
	"github.com/meshpool/nodepool-core/internal/infrastructure/database"
	"github.com/meshpool/nodepool-core/internal/infrastructure/logging"
	"github.com/meshpool/nodepool-core/internal/inventory"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

const usageText = `Usage: nodepool <command> [flags]

Commands:
  discover  Scan serial ports for attached nodes and add them to the pool
  list      List nodes in the pool
  info      Show detailed information about one node
  check     Audit node configurations against fleet policy
  status    Check reachability of managed nodes
  sync      Import heard nodes from the mesh or the MeshView API
  heard     List nodes heard over the mesh
  export    Export node records as JSON or YAML
  send      Send a verified text message to a node
  config    Retrieve a node's configuration over the mesh
  agent     Run the MQTT gateway and telemetry daemon
  version   Print version information

Run "nodepool <command> -h" for command flags.
`

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run dispatches to the requested subcommand, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently: non-zero only when the operation produced no usable
// result.
func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("no command given")
	}

	cmd, cmdArgs := args[0], args[1:]
	switch cmd {
	case "discover":
		return runDiscover(ctx, cmdArgs)
	case "list":
		return runList(ctx, cmdArgs)
	case "info":
		return runInfo(ctx, cmdArgs)
	case "check":
		return runCheck(ctx, cmdArgs)
	case "status":
		return runStatus(ctx, cmdArgs)
	case "sync":
		return runSync(ctx, cmdArgs)
	case "heard":
		return runHeard(ctx, cmdArgs)
	case "export":
		return runExport(ctx, cmdArgs)
	case "send":
		return runSend(ctx, cmdArgs)
	case "config":
		return runConfig(ctx, cmdArgs)
	case "agent":
		return runAgent(ctx, cmdArgs)
	case "version":
		fmt.Printf("nodepool %s (commit %s, built %s)\n", version, commit, date)
		return nil
	case "-h", "--help", "help":
		fmt.Print(usageText)
		return nil
	default:
		fmt.Fprint(os.Stderr, usageText)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// getConfigPath returns the configuration file path.
// Uses NODEPOOL_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("NODEPOOL_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadEnvironment loads configuration and builds the logger every
// command starts from. A missing config file falls back to defaults so
// the tool works out of the box.
func loadEnvironment(configPath string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version)
	return cfg, log, nil
}

// openStore opens the inventory database, runs migrations, and returns
// the repository. The caller owns the database handle and must close it.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, *inventory.SQLiteRepository, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Migrate(ctx); err != nil {
		closeDB(db, log)
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	return db, inventory.NewSQLiteRepository(db.DB), nil
}

// closeDB closes the database handle, logging rather than propagating
// the error since it runs on cleanup paths.
func closeDB(db *database.DB, log *logging.Logger) {
	if err := db.Close(); err != nil {
		log.Error("error closing database", "error", err)
	}
}

// targetURL normalises a connection target: bare paths become serial
// URLs, anything with a scheme passes through.
func targetURL(target string) string {
	if strings.Contains(target, "://") {
		return target
	}
	return "serial://" + target
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// orUnknown renders an optional string field for display.
func orUnknown(s *string) string {
	if s == nil || *s == "" {
		return "Unknown"
	}
	return *s
}
