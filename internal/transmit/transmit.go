package transmit

import (
	"errors"
	"fmt"
	"net"

	"dpifuzz/internal/packet"
)

// Sender puts a finished frame on the wire.
type Sender interface {
	Send(pkt *packet.Packet) error
	Close() error
}

var ErrUnsupported = errors.New("raw transmission is only supported on linux")

// InterfaceIPv4 returns the first IPv4 address assigned to the named interface.
func InterfaceIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to find interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses of %s: %w", name, err)
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok {
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
	}
	return nil, fmt.Errorf("interface %s has no ipv4 address", name)
}
