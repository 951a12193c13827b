//go:build linux

package transmit

import (
	"fmt"

	"dpifuzz/internal/packet"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// RawSender writes complete IPv4 frames through a raw socket pinned to one interface.
// The kernel fills in the source address only when it is zero and otherwise sends the
// header as built.
type RawSender struct {
	fd     int
	iface  string
	logger *zap.Logger
}

func NewRawSender(iface string, logger *zap.Logger) (*RawSender, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("failed to open raw socket (CAP_NET_RAW required): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to enable IP_HDRINCL: %w", err)
	}
	if err := unix.BindToDevice(fd, iface); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to bind raw socket to %s: %w", iface, err)
	}

	logger = logger.Named("transmit").With(zap.String("iface", iface))
	logger.Debug("raw socket ready", zap.Int("fd", fd))
	return &RawSender{fd: fd, iface: iface, logger: logger}, nil
}

func (s *RawSender) Send(pkt *packet.Packet) error {
	var addr unix.SockaddrInet4
	copy(addr.Addr[:], pkt.IP.DstIP.To4())
	if err := unix.Sendto(s.fd, pkt.Data, 0, &addr); err != nil {
		return fmt.Errorf("failed to send %d bytes on %s: %w", len(pkt.Data), s.iface, err)
	}
	return nil
}

func (s *RawSender) Close() error {
	return unix.Close(s.fd)
}
