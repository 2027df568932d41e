// Package hostinfo resolves the local hostname and outbound IP address
// reported in agent heartbeats.
package hostinfo

import (
	"net"
	"os"
)

// Hostname returns the machine's hostname, or "unknown" if it cannot be
// determined.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// OutboundIP returns the local address that would be used to reach the
// public internet, found by opening a UDP socket to a well-known address
// and reading back the address the kernel picked — no packet is ever
// sent, since UDP "connect" only binds the route.
func OutboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "unknown"
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "unknown"
	}
	return addr.IP.String()
}
