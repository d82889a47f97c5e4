// Package meshview fetches fleet sightings from a MeshView community
// aggregator. These aggregators expose slightly different JSON shapes,
// so parsing is tolerant: alternate field names are tried and malformed
// entries are skipped rather than failing the whole fetch.
package meshview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/meshpool/nodepool-core/internal/inventory"
)

// ErrBadResponse indicates the API answered with a non-2xx status or a
// body that is not a node list.
var ErrBadResponse = errors.New("meshview: unexpected API response")

// Client fetches active nodes from a MeshView instance.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL, e.g.
// "https://meshview.bayme.sh". A zero timeout defaults to 30 seconds.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchNodes retrieves nodes active within the last daysActive days,
// plus one sighting record per node attributed to the aggregator.
func (c *Client) FetchNodes(ctx context.Context, daysActive int) ([]inventory.Node, []inventory.HeardEntry, error) {
	endpoint := fmt.Sprintf("%s/api/nodes?%s", c.baseURL,
		url.Values{"days_active": {strconv.Itoa(daysActive)}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching nodes: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Read-only body

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: status %d", ErrBadResponse, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	rawNodes, err := extractNodeList(body)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	var nodes []inventory.Node
	var heard []inventory.HeardEntry

	for _, raw := range rawNodes {
		node, ok := parseNode(raw, now)
		if !ok {
			continue
		}
		nodes = append(nodes, node)

		lat := positionField(raw, "last_lat", "latitude")
		lon := positionField(raw, "last_long", "longitude")
		heard = append(heard, inventory.HeardEntry{
			NodeID:    node.ID,
			SeenBy:    "meshviewAPI",
			Timestamp: node.LastSeen,
			SNR:       node.SNR,
			HopsAway:  node.HopsAway,
			Lat:       lat,
			Lon:       lon,
		})
	}

	return nodes, heard, nil
}

// extractNodeList accepts either a bare JSON array or {"nodes": [...]}.
func extractNodeList(body []byte) ([]map[string]any, error) {
	var asList []map[string]any
	if err := json.Unmarshal(body, &asList); err == nil {
		return asList, nil
	}

	var asObject struct {
		Nodes []map[string]any `json:"nodes"`
	}
	if err := json.Unmarshal(body, &asObject); err != nil || asObject.Nodes == nil {
		return nil, fmt.Errorf("%w: body is neither a node list nor a nodes object", ErrBadResponse)
	}
	return asObject.Nodes, nil
}

// parseNode converts one API entry into a Node. Returns false when the
// entry has no usable id.
func parseNode(data map[string]any, fetchTime time.Time) (inventory.Node, bool) {
	id := stringAny(data, "id", "node_id")
	if id == "" {
		return inventory.Node{}, false
	}
	if !strings.HasPrefix(id, "!") {
		id = "!" + id
	}

	shortName := stringAny(data, "short_name", "shortName")
	if shortName == "" {
		shortName = "Unknown"
	}
	longName := stringAny(data, "long_name", "longName")
	if longName == "" {
		longName = shortName
	}

	lastSeen := parseTimestamp(data, fetchTime)

	node := inventory.Node{
		ID:        id,
		ShortName: shortName,
		LongName:  longName,
		FirstSeen: lastSeen,
		LastSeen:  lastSeen,
		IsActive:  true,
		Config:    map[string]any{},
	}

	if hw := stringAny(data, "hw_model", "hwModel"); hw != "" {
		node.HWModel = &hw
	}
	if fw := stringAny(data, "firmware", "firmware_version", "firmwareVersion"); fw != "" {
		node.FirmwareVersion = &fw
	}
	if snr, ok := floatAny(data, "snr"); ok {
		node.SNR = &snr
	}
	if hops, ok := floatAny(data, "hops_away", "hopsAway"); ok {
		h := int(hops)
		node.HopsAway = &h
	}

	return node, true
}

// parseTimestamp reads the last-seen time, accepting RFC 3339 strings
// and Unix timestamps under several field names.
func parseTimestamp(data map[string]any, fallback time.Time) time.Time {
	for _, key := range []string{"last_update", "last_seen", "lastSeen"} {
		switch v := data[key].(type) {
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.UTC()
			}
			if unix, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Unix(int64(unix), 0).UTC()
			}
		case float64:
			return time.Unix(int64(v), 0).UTC()
		}
	}
	return fallback
}

// positionField reads a coordinate, converting from microdegrees when
// the magnitude exceeds 180.
func positionField(data map[string]any, keys ...string) *float64 {
	v, ok := floatAny(data, keys...)
	if !ok {
		return nil
	}
	if math.Abs(v) > 180 {
		v /= 1e7
	}
	return &v
}

func stringAny(data map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := data[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func floatAny(data map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if f, ok := data[key].(float64); ok {
			return f, true
		}
	}
	return 0, false
}
