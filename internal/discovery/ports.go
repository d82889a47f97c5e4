// Package discovery finds manageable nodes: it enumerates candidate
// serial ports, probes them concurrently over the mesh transport, and
// collects sightings of neighbouring nodes from a connected device.
package discovery

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// ListSerialPorts returns candidate serial device paths for the current
// operating system. Ports are candidates only; probing decides whether
// a node is attached.
func ListSerialPorts() []string {
	return listSerialPorts(runtime.GOOS)
}

func listSerialPorts(goos string) []string {
	var patterns []string

	switch goos {
	case "darwin":
		// Callout devices only; the matching tty.* device reports busy
		// while cu.* is open.
		patterns = []string{"/dev/cu.usbmodem*", "/dev/cu.usbserial*"}
	case "linux":
		patterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	case "windows":
		ports := make([]string, 0, 20)
		for i := 1; i <= 20; i++ {
			ports = append(ports, fmt.Sprintf("COM%d", i))
		}
		return ports
	default:
		patterns = []string{"/dev/cu.usbmodem*", "/dev/cu.usbserial*", "/dev/ttyUSB*", "/dev/ttyACM*"}
	}

	var ports []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		ports = append(ports, matches...)
	}
	return ports
}
