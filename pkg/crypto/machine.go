package crypto

import (
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"strings"
)

// machineIDPaths are checked in order for an OS-provided stable identifier.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// MachineIdentifier returns a stable identifier for the host this deployment
// runs on. It prefers the OS machine ID and falls back to a hash of the
// hostname and the primary hardware MAC address. The identifier is one of the
// two key-derivation inputs; moving the database to another machine without
// the same identifier makes stored ciphertexts unreadable.
func MachineIdentifier() (string, error) {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to resolve hostname for machine identifier: %w", err)
	}

	mac := primaryMAC()
	sum := sha256.Sum256([]byte(hostname + "|" + mac))
	return fmt.Sprintf("%x", sum), nil
}

// primaryMAC returns the hardware address of the first non-loopback interface
// that has one. Returns an empty string when no interface qualifies; the
// hostname alone still yields a stable (if weaker) identifier.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}
