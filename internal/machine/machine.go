// Package machine resolves the identity of the local computer: hardware
// UUID, hostname, FQDN and the console user. Identity is resolved once per
// run and cached by the caller.
package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"os/user"
	"strings"

	"github.com/google/uuid"
)

// Version is the client release reported in sync telemetry.
const Version = "5.0"

// HardwareUUID returns a stable identifier for this computer. The DMI
// product UUID is preferred; a machine-id or MAC-derived identifier covers
// hosts without DMI access, and a hostname hash is the last resort.
func HardwareUUID() string {
	if id := dmiUUID(); id != "" {
		return id
	}
	if id := machineIDUUID(); id != "" {
		return id
	}
	if id := macUUID(); id != "" {
		return id
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	hash := sha256.Sum256([]byte(hostname))
	id := strings.ToUpper(hex.EncodeToString(hash[:16]))
	log.Printf("[WARN] Using fallback hardware ID based on hostname hash: %s", id)
	return id
}

func dmiUUID() string {
	data, err := os.ReadFile("/sys/class/dmi/id/product_uuid")
	if err != nil {
		return ""
	}

	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return ""
	}

	formatted := strings.ToUpper(id.String())
	// some ASRock boards ship a placeholder UUID
	if formatted == "03000200-0400-0500-0006-000700080009" {
		return ""
	}
	return formatted
}

func machineIDUUID() string {
	data, err := os.ReadFile("/etc/machine-id")
	if err != nil {
		return ""
	}

	id, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return ""
	}
	return strings.ToUpper(id.String())
}

// macUUID builds the conventional all-zero-prefixed identifier from the
// first physical interface address.
func macUUID() string {
	mac := FirstMAC()
	if mac == "" {
		return ""
	}
	return fmt.Sprintf("00000000-0000-0000-0000-%s", mac)
}

// FirstMAC returns the first non-loopback hardware address, without
// separators, uppercased.
func FirstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return strings.ToUpper(strings.ReplaceAll(iface.HardwareAddr.String(), ":", ""))
	}
	return ""
}

// Hostname returns the short host name.
func Hostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return strings.Split(hostname, ".")[0]
}

// FQDN returns the fully qualified name when reverse resolution provides
// one, otherwise the plain hostname.
func FQDN() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}

	addrs, err := net.LookupHost(hostname)
	if err != nil {
		return hostname
	}
	for _, addr := range addrs {
		names, err := net.LookupAddr(addr)
		if err != nil || len(names) == 0 {
			continue
		}
		fqdn := strings.TrimSuffix(names[0], ".")
		if fqdn != "" && fqdn != "localhost" {
			return fqdn
		}
	}
	return hostname
}

// ConsoleUser returns the login name of the active user, preferring the
// process owner and falling back to the environment.
func ConsoleUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	if v := os.Getenv("USERNAME"); v != "" {
		return v
	}
	return "unknown"
}

// FullName resolves the GECOS full-name field for a login, empty when
// unavailable.
func FullName(login string) string {
	u, err := user.Lookup(login)
	if err != nil {
		return ""
	}
	return strings.SplitN(u.Name, ",", 2)[0]
}
