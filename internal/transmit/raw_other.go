//go:build !linux

package transmit

import (
	"dpifuzz/internal/packet"

	"go.uber.org/zap"
)

type RawSender struct{}

func NewRawSender(string, *zap.Logger) (*RawSender, error) {
	return nil, ErrUnsupported
}

func (s *RawSender) Send(*packet.Packet) error {
	return ErrUnsupported
}

func (s *RawSender) Close() error {
	return nil
}
