package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meshpool/nodepool-core/internal/infrastructure/database"
	"github.com/meshpool/nodepool-core/internal/inventory"
	"github.com/meshpool/nodepool-core/internal/mesh"
)

// writeTestConfig writes a minimal config pointing the database at a
// temp file and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.yaml")
	dbPath := filepath.Join(tmpDir, "test.db")

	configContent := `
pool:
  name: test-pool
  expected_ttl: 7

database:
  path: "` + dbPath + `"
  wal_mode: true
  busy_timeout: 5

logging:
  level: error
  format: text
  output: stderr
`
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

// seedNode saves one managed node into the configured database.
func seedNode(t *testing.T, configPath string) inventory.Node {
	t.Helper()

	cfg, _, err := loadEnvironment(configPath)
	if err != nil {
		t.Fatalf("loadEnvironment() error = %v", err)
	}

	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	defer db.Close() //nolint:errcheck // test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	port := "/dev/ttyUSB0"
	node := inventory.Node{
		ID:         "!43588858",
		ShortName:  "NOD1",
		LongName:   "Node One",
		SerialPort: &port,
		FirstSeen:  time.Now().UTC(),
		LastSeen:   time.Now().UTC(),
		IsActive:   true,
		Managed:    true,
	}
	repo := inventory.NewSQLiteRepository(db.DB)
	if err := repo.SaveNode(ctx, &node); err != nil {
		t.Fatalf("SaveNode() error = %v", err)
	}
	return node
}

// TestRun_NoCommand verifies run fails without a command.
func TestRun_NoCommand(t *testing.T) {
	if err := run(context.Background(), nil); err == nil {
		t.Fatal("run() should fail with no command")
	}
}

// TestRun_UnknownCommand verifies run fails on an unknown command.
func TestRun_UnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"frobnicate"})
	if err == nil {
		t.Fatal("run() should fail with unknown command")
	}
	if !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("error should name the command, got %v", err)
	}
}

// TestRun_Version verifies the version command succeeds.
func TestRun_Version(t *testing.T) {
	if err := run(context.Background(), []string{"version"}); err != nil {
		t.Fatalf("run(version) error = %v", err)
	}
}

// TestRun_ListEmptyDatabase verifies list reports no usable data on a
// fresh database.
func TestRun_ListEmptyDatabase(t *testing.T) {
	configPath := writeTestConfig(t)

	err := run(context.Background(), []string{"list", "-config", configPath})
	if err == nil {
		t.Fatal("list should fail on an empty database")
	}
	if !strings.Contains(err.Error(), "no nodes") {
		t.Errorf("error = %v, want no-nodes message", err)
	}
}

// TestRun_ListSeeded verifies list succeeds once a node exists.
func TestRun_ListSeeded(t *testing.T) {
	configPath := writeTestConfig(t)
	seedNode(t, configPath)

	if err := run(context.Background(), []string{"list", "-config", configPath}); err != nil {
		t.Fatalf("run(list) error = %v", err)
	}
}

// TestRun_CheckSeeded verifies check runs the policy audit and records
// results.
func TestRun_CheckSeeded(t *testing.T) {
	configPath := writeTestConfig(t)
	seedNode(t, configPath)

	if err := run(context.Background(), []string{"check", "-config", configPath}); err != nil {
		t.Fatalf("run(check) error = %v", err)
	}
}

// TestRun_Export verifies export writes a decodable JSON document.
func TestRun_Export(t *testing.T) {
	configPath := writeTestConfig(t)
	node := seedNode(t, configPath)
	outPath := filepath.Join(t.TempDir(), "export.json")

	err := run(context.Background(), []string{
		"export", "-config", configPath, "-output", outPath,
	})
	if err != nil {
		t.Fatalf("run(export) error = %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	var docs []exportedNode
	if err := json.Unmarshal(data, &docs); err != nil {
		t.Fatalf("decoding export: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != node.ID {
		t.Errorf("export = %+v, want one record for %s", docs, node.ID)
	}
}

// TestRun_ExportBadFormat verifies format validation.
func TestRun_ExportBadFormat(t *testing.T) {
	configPath := writeTestConfig(t)

	err := run(context.Background(), []string{
		"export", "-config", configPath, "-format", "xml",
	})
	if err == nil {
		t.Fatal("export should reject unknown formats")
	}
}

// TestGetConfigPath_Default verifies default config path.
func TestGetConfigPath_Default(t *testing.T) {
	originalEnv := os.Getenv("NODEPOOL_CONFIG")
	defer os.Setenv("NODEPOOL_CONFIG", originalEnv) //nolint:errcheck // test cleanup

	os.Unsetenv("NODEPOOL_CONFIG") //nolint:errcheck // test setup

	if path := getConfigPath(); path != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", path, defaultConfigPath)
	}
}

// TestGetConfigPath_EnvOverride verifies environment variable override.
func TestGetConfigPath_EnvOverride(t *testing.T) {
	originalEnv := os.Getenv("NODEPOOL_CONFIG")
	defer os.Setenv("NODEPOOL_CONFIG", originalEnv) //nolint:errcheck // test cleanup

	expected := "/custom/path/config.yaml"
	os.Setenv("NODEPOOL_CONFIG", expected) //nolint:errcheck // test setup

	if path := getConfigPath(); path != expected {
		t.Errorf("getConfigPath() = %q, want %q", path, expected)
	}
}

// TestTargetURL verifies connection target normalisation.
func TestTargetURL(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"bare path", "/dev/ttyUSB0", "serial:///dev/ttyUSB0"},
		{"serial url", "serial:///dev/ttyACM0", "serial:///dev/ttyACM0"},
		{"tcp url", "tcp://192.168.1.50:4403", "tcp://192.168.1.50:4403"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := targetURL(tt.target); got != tt.want {
				t.Errorf("targetURL(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}

// TestSplitList verifies comma-separated flag parsing.
func TestSplitList(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "a", []string{"a"}},
		{"spaces and empties", " a, ,b ,", []string{"a", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitList(tt.value)
			if len(got) != len(tt.want) {
				t.Fatalf("splitList(%q) = %v, want %v", tt.value, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("splitList(%q)[%d] = %q, want %q", tt.value, i, got[i], tt.want[i])
				}
			}
		})
	}
}

// TestParseSections verifies section name resolution.
func TestParseSections(t *testing.T) {
	t.Run("empty means all", func(t *testing.T) {
		sections, err := parseSections("")
		if err != nil {
			t.Fatalf("parseSections() error = %v", err)
		}
		if len(sections) != len(mesh.AllSections) {
			t.Errorf("got %d sections, want %d", len(sections), len(mesh.AllSections))
		}
	})
	t.Run("named sections", func(t *testing.T) {
		sections, err := parseSections("lora,channels")
		if err != nil {
			t.Fatalf("parseSections() error = %v", err)
		}
		if len(sections) != 2 || sections[0] != mesh.SectionLoRa || sections[1] != mesh.SectionChannels {
			t.Errorf("parseSections() = %v, want [lora channels]", sections)
		}
	})
	t.Run("unknown section", func(t *testing.T) {
		if _, err := parseSections("bogus"); err == nil {
			t.Fatal("parseSections() should reject unknown names")
		}
	})
}
