// Package devices reconciles the logical print devices assigned by the
// server with the printers installed on the host.
package devices

import (
	"crypto/md5" //nolint:gosec // checksum marker, not a security boundary
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Descriptor is the server-side definition of a logical device. Exactly
// one connection block (TCP, LPT, USB, SRL or LPD) is expected.
type Descriptor struct {
	ID           int            `json:"id"`
	Manufacturer string         `json:"manufacturer"`
	Model        string         `json:"model"`
	Capability   string         `json:"capability"`
	Name         string         `json:"name"`
	Driver       string         `json:"driver"`
	Packages     []string       `json:"packages"`
	TCP          map[string]any `json:"TCP"`
	LPT          map[string]any `json:"LPT"`
	USB          map[string]any `json:"USB"`
	SRL          map[string]any `json:"SRL"`
	LPD          map[string]any `json:"LPD"`
}

// Logical is a device descriptor resolved into the values the print
// system needs. Printer* fields are filled when the device is matched
// against an installed printer.
type Logical struct {
	ID       int
	URI      string
	Location string
	Info     string
	Name     string
	Driver   string

	PrinterName     string
	PrinterInfo     string
	PrinterLocation string
	PrinterURI      string
	matched         bool
}

// connField reads a connection value, treating "undefined" the same as
// absent.
func connField(conn map[string]any, key string) string {
	v, ok := conn[key]
	if !ok {
		return ""
	}
	s := fmt.Sprintf("%v", v)
	if s == "undefined" {
		return ""
	}
	return s
}

// NewLogical resolves a descriptor into its device URI, display name and
// the info string that marks the printer as managed.
func NewLogical(d Descriptor) *Logical {
	l := &Logical{
		ID:     d.ID,
		Driver: d.Driver,
	}

	var conn map[string]any
	switch {
	case d.TCP != nil:
		conn = d.TCP
		port := connField(conn, "PORT")
		if port == "" {
			port = "9100"
		}
		l.URI = fmt.Sprintf("socket://%s:%s", connField(conn, "IP"), port)
		l.Location = connField(conn, "LOCATION")
	case d.LPT != nil:
		conn = d.LPT
		port := connField(conn, "PORT")
		if port == "" {
			port = "0"
		}
		l.URI = "parallel:/dev/lp" + port
	case d.USB != nil:
		conn = d.USB
		port := connField(conn, "PORT")
		if port == "" {
			port = "0"
		}
		l.URI = "parallel:/dev/usb/lp" + port
	case d.SRL != nil:
		conn = d.SRL
		port := connField(conn, "PORT")
		if port == "" {
			port = "0"
		}
		l.URI = "serial:/dev/ttyS" + port
	case d.LPD != nil:
		conn = d.LPD
		l.URI = fmt.Sprintf("lpd://%s/%s", connField(conn, "IP"), connField(conn, "PORT"))
		l.Location = connField(conn, "LOCATION")
	}

	if wrapper := connField(conn, "CUPSWRAPPER"); wrapper != "" {
		l.URI = wrapper + ":" + l.URI
	}

	l.Info = fmt.Sprintf("%s__%s__%s__%s__%d",
		d.Manufacturer, d.Model, d.Capability, d.Name, d.ID)

	if name := connField(conn, "NAME"); name != "" {
		l.Name = fmt.Sprintf("%s__%s__%s", name, d.Capability, d.Name)
	} else {
		l.Name = fmt.Sprintf("%s__%s__%s__%s",
			d.Manufacturer, d.Model, d.Capability, d.Name)
	}

	return l
}

// IDFromInfo recovers the logical id from a printer info string. Only
// five-field info strings belong to managed printers.
func IDFromInfo(info string) (int, bool) {
	fields := strings.Split(info, "__")
	if len(fields) != 5 {
		return 0, false
	}
	id, err := strconv.Atoi(fields[4])
	if err != nil {
		return 0, false
	}
	return id, true
}

// markerFile is where the driver checksum for this device is kept.
func (l *Logical) markerFile(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%d.md5", l.ID))
}

// WriteMarker stores the current driver checksum after an install.
func (l *Logical) WriteMarker(dir string) error {
	sum, err := fileChecksum(l.Driver)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create devices directory: %w", err)
	}
	return os.WriteFile(l.markerFile(dir), []byte(sum), 0o644)
}

// RemoveMarker drops the checksum when the printer is removed.
func (l *Logical) RemoveMarker(dir string) {
	_ = os.Remove(l.markerFile(dir))
}

// driverChanged reports whether the driver differs from the one recorded
// at install time. A missing marker counts as changed.
func (l *Logical) driverChanged(dir string) bool {
	recorded, err := os.ReadFile(l.markerFile(dir))
	if err != nil {
		return true
	}
	current, err := fileChecksum(l.Driver)
	if err != nil {
		return true
	}
	return current != strings.TrimSpace(string(recorded))
}

// Changed reports whether the installed printer diverges from the
// desired state. Unmatched devices are always considered changed.
func (l *Logical) Changed(dir string) bool {
	if !l.matched {
		return true
	}
	return l.PrinterName != l.Name ||
		l.PrinterInfo != l.Info ||
		l.PrinterLocation != l.Location ||
		l.PrinterURI != l.URI ||
		l.driverChanged(dir)
}

func fileChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read driver %s: %w", path, err)
	}
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}
