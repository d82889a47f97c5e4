package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for fleet persistence operations.
// This abstraction allows for different implementations (SQLite, mock)
// and enables unit testing without database dependencies.
type Repository interface {
	// SaveNode inserts or updates a node. On update, first_seen is
	// preserved.
	SaveNode(ctx context.Context, node *Node) error

	// GetNode retrieves a node by its canonical id.
	// Returns ErrNodeNotFound if the node does not exist.
	GetNode(ctx context.Context, id string) (*Node, error)

	// ListNodes retrieves all nodes, ordered by short name.
	// With activeOnly, inactive nodes are excluded.
	ListNodes(ctx context.Context, activeOnly bool) ([]Node, error)

	// MarkInactiveExcept marks every managed node not in ids inactive.
	// Used by sync after a discovery pass.
	MarkInactiveExcept(ctx context.Context, ids []string) error

	// SaveSnapshot records a point-in-time configuration snapshot.
	SaveSnapshot(ctx context.Context, snapshot *ConfigSnapshot) error

	// SaveChecks records the results of a configuration check run.
	SaveChecks(ctx context.Context, checks []ConfigCheck) error

	// LatestChecks retrieves recent check results, newest first,
	// optionally filtered by node id ("" for all nodes).
	LatestChecks(ctx context.Context, nodeID string) ([]ConfigCheck, error)

	// SaveHeard records one observation of a node on the mesh.
	SaveHeard(ctx context.Context, entry *HeardEntry) error

	// HeardNodes retrieves unmanaged nodes heard on the mesh, newest
	// first, optionally filtered by which managed node heard them
	// ("" for any).
	HeardNodes(ctx context.Context, seenBy string) ([]Node, error)
}

// latestChecksLimit caps how many check rows LatestChecks returns.
const latestChecksLimit = 100

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open, migrated SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveNode inserts or updates a node.
func (r *SQLiteRepository) SaveNode(ctx context.Context, node *Node) error {
	configJSON, err := json.Marshal(node.Config)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	now := time.Now().UTC()
	if node.FirstSeen.IsZero() {
		node.FirstSeen = now
	}
	if node.LastSeen.IsZero() {
		node.LastSeen = now
	}

	query := `
		INSERT INTO nodes (
			id, short_name, long_name, serial_port, hw_model,
			firmware_version, first_seen, last_seen, is_active, managed,
			snr, hops_away, config
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			short_name = excluded.short_name,
			long_name = excluded.long_name,
			serial_port = excluded.serial_port,
			hw_model = excluded.hw_model,
			firmware_version = excluded.firmware_version,
			last_seen = excluded.last_seen,
			is_active = excluded.is_active,
			managed = excluded.managed,
			snr = excluded.snr,
			hops_away = excluded.hops_away,
			config = excluded.config`

	_, err = r.db.ExecContext(ctx, query,
		node.ID,
		node.ShortName,
		node.LongName,
		nullableString(node.SerialPort),
		nullableString(node.HWModel),
		nullableString(node.FirmwareVersion),
		node.FirstSeen.UTC().Format(time.RFC3339),
		node.LastSeen.UTC().Format(time.RFC3339),
		boolToInt(node.IsActive),
		boolToInt(node.Managed),
		nullableFloat(node.SNR),
		nullableInt(node.HopsAway),
		string(configJSON),
	)
	if err != nil {
		return fmt.Errorf("saving node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by its canonical id.
func (r *SQLiteRepository) GetNode(ctx context.Context, id string) (*Node, error) {
	query := `
		SELECT id, short_name, long_name, serial_port, hw_model,
			firmware_version, first_seen, last_seen, is_active, managed,
			snr, hops_away, config
		FROM nodes
		WHERE id = ?`

	node, err := scanNode(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("querying node by id: %w", err)
	}
	return node, nil
}

// ListNodes retrieves all nodes, ordered by short name.
func (r *SQLiteRepository) ListNodes(ctx context.Context, activeOnly bool) ([]Node, error) {
	query := `
		SELECT id, short_name, long_name, serial_port, hw_model,
			firmware_version, first_seen, last_seen, is_active, managed,
			snr, hops_away, config
		FROM nodes`
	if activeOnly {
		query += " WHERE is_active = 1"
	}
	query += " ORDER BY short_name"

	return r.queryNodes(ctx, query)
}

// MarkInactiveExcept marks every managed node not in ids inactive.
func (r *SQLiteRepository) MarkInactiveExcept(ctx context.Context, ids []string) error {
	query := "UPDATE nodes SET is_active = 0 WHERE managed = 1"
	args := make([]any, 0, len(ids))
	if len(ids) > 0 {
		query += " AND id NOT IN (?" + repeatPlaceholder(len(ids)-1) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("marking nodes inactive: %w", err)
	}
	return nil
}

// SaveSnapshot records a point-in-time configuration snapshot.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, snapshot *ConfigSnapshot) error {
	configJSON, err := json.Marshal(snapshot.Config)
	if err != nil {
		return fmt.Errorf("marshalling snapshot config: %w", err)
	}
	if snapshot.Timestamp.IsZero() {
		snapshot.Timestamp = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO config_snapshots (node_id, timestamp, config) VALUES (?, ?, ?)",
		snapshot.NodeID,
		snapshot.Timestamp.UTC().Format(time.RFC3339),
		string(configJSON),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	return nil
}

// SaveChecks records check results in one transaction.
func (r *SQLiteRepository) SaveChecks(ctx context.Context, checks []ConfigCheck) error {
	if len(checks) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	query := `
		INSERT INTO config_checks (
			node_id, timestamp, check_type, expected_value,
			actual_value, status, message
		) VALUES (?, ?, ?, ?, ?, ?, ?)`

	for _, check := range checks {
		expectedJSON, err := json.Marshal(check.Expected)
		if err != nil {
			return fmt.Errorf("marshalling expected value: %w", err)
		}
		actualJSON, err := json.Marshal(check.Actual)
		if err != nil {
			return fmt.Errorf("marshalling actual value: %w", err)
		}
		ts := check.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}

		if _, err := tx.ExecContext(ctx, query,
			check.NodeID,
			ts.UTC().Format(time.RFC3339),
			check.CheckType,
			string(expectedJSON),
			string(actualJSON),
			string(check.Status),
			check.Message,
		); err != nil {
			return fmt.Errorf("saving check %s/%s: %w", check.NodeID, check.CheckType, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing checks: %w", err)
	}
	return nil
}

// LatestChecks retrieves recent check results, newest first.
func (r *SQLiteRepository) LatestChecks(ctx context.Context, nodeID string) ([]ConfigCheck, error) {
	query := `
		SELECT node_id, timestamp, check_type, expected_value,
			actual_value, status, message
		FROM config_checks`
	var args []any
	if nodeID != "" {
		query += " WHERE node_id = ?"
		args = append(args, nodeID)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, latestChecksLimit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying checks: %w", err)
	}
	defer rows.Close()

	var checks []ConfigCheck
	for rows.Next() {
		var c ConfigCheck
		var ts, expectedJSON, actualJSON, status string
		if err := rows.Scan(&c.NodeID, &ts, &c.CheckType, &expectedJSON,
			&actualJSON, &status, &c.Message); err != nil {
			return nil, fmt.Errorf("scanning check: %w", err)
		}
		c.Status = CheckStatus(status)
		c.Timestamp, _ = time.Parse(time.RFC3339, ts) //nolint:errcheck // Format is controlled
		_ = json.Unmarshal([]byte(expectedJSON), &c.Expected) //nolint:errcheck // Stored as JSON by us
		_ = json.Unmarshal([]byte(actualJSON), &c.Actual)     //nolint:errcheck // Stored as JSON by us
		checks = append(checks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating checks: %w", err)
	}
	return checks, nil
}

// SaveHeard records one observation of a node on the mesh.
func (r *SQLiteRepository) SaveHeard(ctx context.Context, entry *HeardEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO heard_history (
			node_id, seen_by, timestamp, snr, hops_away,
			position_lat, position_lon
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.NodeID,
		entry.SeenBy,
		entry.Timestamp.UTC().Format(time.RFC3339),
		nullableFloat(entry.SNR),
		nullableInt(entry.HopsAway),
		nullableFloat(entry.Lat),
		nullableFloat(entry.Lon),
	)
	if err != nil {
		return fmt.Errorf("saving heard entry: %w", err)
	}
	return nil
}

// HeardNodes retrieves unmanaged nodes heard on the mesh, newest first.
func (r *SQLiteRepository) HeardNodes(ctx context.Context, seenBy string) ([]Node, error) {
	query := `
		SELECT id, short_name, long_name, serial_port, hw_model,
			firmware_version, first_seen, last_seen, is_active, managed,
			snr, hops_away, config
		FROM nodes
		WHERE managed = 0
		ORDER BY last_seen DESC`
	var args []any

	if seenBy != "" {
		query = `
			SELECT DISTINCT n.id, n.short_name, n.long_name, n.serial_port, n.hw_model,
				n.firmware_version, n.first_seen, n.last_seen, n.is_active, n.managed,
				n.snr, n.hops_away, n.config
			FROM nodes n
			JOIN heard_history h ON n.id = h.node_id
			WHERE n.managed = 0 AND h.seen_by = ?
			ORDER BY n.last_seen DESC`
		args = append(args, seenBy)
	}

	return r.queryNodes(ctx, query, args...)
}

// queryNodes executes a query and returns a slice of nodes.
func (r *SQLiteRepository) queryNodes(ctx context.Context, query string, args ...any) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		nodes = append(nodes, *node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanNode scans a row or rows result into a Node.
func scanNode(scanner rowScanner) (*Node, error) {
	var n Node
	var serialPort, hwModel, firmwareVersion sql.NullString
	var snr sql.NullFloat64
	var hopsAway sql.NullInt64
	var firstSeen, lastSeen, configJSON string
	var isActive, managed int

	err := scanner.Scan(
		&n.ID,
		&n.ShortName,
		&n.LongName,
		&serialPort,
		&hwModel,
		&firmwareVersion,
		&firstSeen,
		&lastSeen,
		&isActive,
		&managed,
		&snr,
		&hopsAway,
		&configJSON,
	)
	if err != nil {
		return nil, err
	}

	n.IsActive = isActive != 0
	n.Managed = managed != 0

	if serialPort.Valid {
		n.SerialPort = &serialPort.String
	}
	if hwModel.Valid {
		n.HWModel = &hwModel.String
	}
	if firmwareVersion.Valid {
		n.FirmwareVersion = &firmwareVersion.String
	}
	if snr.Valid {
		n.SNR = &snr.Float64
	}
	if hopsAway.Valid {
		hops := int(hopsAway.Int64)
		n.HopsAway = &hops
	}

	var parseErr error
	n.FirstSeen, parseErr = time.Parse(time.RFC3339, firstSeen)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing first_seen: %w", parseErr)
	}
	n.LastSeen, parseErr = time.Parse(time.RFC3339, lastSeen)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(configJSON), &n.Config); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &n, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableFloat returns a sql.NullFloat64 for optional float pointers.
func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

// nullableInt returns a sql.NullInt64 for optional int pointers.
func nullableInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// repeatPlaceholder returns n copies of ", ?" for IN clauses.
func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}
