// Package netutil has small network helpers shared by the console.
package netutil

import (
	"net"
	"strings"
)

// PrimaryIPv4 returns the address peers on the LAN should dial. The UDP
// "connection" never sends a packet; it only asks the kernel which
// interface would route out.
func PrimaryIPv4() string {
	conn, err := net.Dial("udp4", "10.255.255.255:1")
	if err == nil {
		addr := conn.LocalAddr().(*net.UDPAddr)
		_ = conn.Close()
		if usable(addr.IP.String()) {
			return addr.IP.String()
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil {
			continue
		}
		if usable(ipNet.IP.String()) {
			return ipNet.IP.String()
		}
	}
	return "127.0.0.1"
}

func usable(ip string) bool {
	return !strings.HasPrefix(ip, "127.") && !strings.HasPrefix(ip, "169.254.")
}
