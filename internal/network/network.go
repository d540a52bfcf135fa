// Package network reports the addressing of the first configured
// interface and the default gateway.
package network

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// Info is the addressing summary uploaded with the computer identity.
type Info struct {
	IP      string
	Netmask string
	Net     string // network/CIDR
}

// Current returns the addressing of the first non-loopback interface
// holding an IPv4 address. An empty Info means the host has no usable
// interface.
func Current() Info {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Info{}
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			return Info{
				IP:      ip4.String(),
				Netmask: net.IP(ipNet.Mask).String(),
				Net:     fmt.Sprintf("%s/%d", ip4.Mask(ipNet.Mask).String(), ones),
			}
		}
	}

	return Info{}
}

// DefaultGateway reads the default route from /proc/net/route. The
// gateway field is decoded as a little-endian packed value and formatted
// with the standard dotted-quad formatter; this matches the historical
// client output on every deployed platform and must not be changed without
// confirming the route-table byte order.
func DefaultGateway() (string, error) {
	data, err := os.ReadFile("/proc/net/route")
	if err != nil {
		return "", fmt.Errorf("failed to read route table: %w", err)
	}

	const flagGateway = 0x2

	for _, line := range strings.Split(string(data), "\n")[1:] {
		fields := strings.Fields(line)
		if len(fields) < 4 {
			continue
		}
		if fields[1] != "00000000" {
			continue
		}
		flags, err := strconv.ParseUint(fields[3], 16, 32)
		if err != nil || flags&flagGateway == 0 {
			continue
		}

		gw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			continue
		}
		return formatLittleEndian(uint32(gw)), nil
	}

	return "", fmt.Errorf("no default route")
}

func formatLittleEndian(v uint32) string {
	return net.IPv4(byte(v), byte(v>>8), byte(v>>16), byte(v>>24)).String()
}
