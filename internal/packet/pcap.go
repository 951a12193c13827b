package packet

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const SnapLen = 65535

// WritePcap writes a complete capture file (header plus this one frame) to w. Frames
// are stored as LINKTYPE_RAW so standard tooling decodes them starting at the IP header.
func (p *Packet) WritePcap(w io.Writer, ts time.Time) error {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeRaw); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(p.Data),
		Length:        len(p.Data),
	}
	if err := pw.WritePacket(ci, p.Data); err != nil {
		return fmt.Errorf("failed to write pcap record: %w", err)
	}
	return nil
}

// ReadPcap decodes every frame of a capture file.
func ReadPcap(r io.Reader) ([]*Packet, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read pcap header: %w", err)
	}

	var packets []*Packet
	for {
		data, _, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return packets, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read pcap record %d: %w", len(packets), err)
		}
		p, err := Decode(data, pr.LinkType())
		if err != nil {
			return nil, fmt.Errorf("failed to decode pcap record %d: %w", len(packets), err)
		}
		packets = append(packets, p)
	}
}
