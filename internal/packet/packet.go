package packet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Packet is one IPv4 frame carrying either a TCP or a UDP segment.
//
// Data holds the exact bytes that go on the wire. It is produced once by Build and
// must not be modified afterwards; the layer fields are kept for inspection only.
type Packet struct {
	IP      *layers.IPv4
	TCP     *layers.TCP // nil for UDP frames
	UDP     *layers.UDP // nil for TCP frames
	Payload []byte
	Data    []byte
}

var ErrNoTransport = errors.New("packet needs exactly one transport layer")

// Build serializes the frame. Transport header fields are written exactly as given
// (lengths and checksums included, so they can carry fuzzed values); only the IPv4
// total length, header length and header checksum are computed.
func Build(ip *layers.IPv4, tcp *layers.TCP, udp *layers.UDP, payload []byte) (*Packet, error) {
	if (tcp == nil) == (udp == nil) {
		return nil, ErrNoTransport
	}

	var transport gopacket.SerializableLayer
	if tcp != nil {
		ip.Protocol = layers.IPProtocolTCP
		transport = tcp
	} else {
		ip.Protocol = layers.IPProtocolUDP
		transport = udp
	}

	segment := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(segment, gopacket.SerializeOptions{},
		transport, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize transport layer: %w", err)
	}

	frame := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(frame, opts, ip, gopacket.Payload(segment.Bytes())); err != nil {
		return nil, fmt.Errorf("failed to serialize ipv4 layer: %w", err)
	}

	return &Packet{
		IP:      ip,
		TCP:     tcp,
		UDP:     udp,
		Payload: payload,
		Data:    append([]byte(nil), frame.Bytes()...),
	}, nil
}

// Decode parses wire bytes captured with the given link type back into a Packet.
// Application-layer decoding failures are ignored as long as the IPv4 and transport
// headers are intact.
func Decode(data []byte, linkType layers.LinkType) (*Packet, error) {
	gp := gopacket.NewPacket(data, linkType, gopacket.Default)

	ip, ok := gp.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, decodeError("ipv4", gp)
	}

	p := &Packet{IP: ip, Data: append([]byte(nil), ip.Contents...)}
	p.Data = append(p.Data, ip.Payload...)

	// only the layer right after the outer header counts, payloads may decode as tunnels
	switch l := layerAfter(gp, ip).(type) {
	case *layers.TCP:
		p.TCP = l
		p.Payload = l.Payload
	case *layers.UDP:
		p.UDP = l
		p.Payload = l.Payload
	default:
		return nil, decodeError("transport", gp)
	}
	return p, nil
}

func layerAfter(gp gopacket.Packet, l gopacket.Layer) gopacket.Layer {
	all := gp.Layers()
	for i := 0; i+1 < len(all); i++ {
		if all[i] == l {
			return all[i+1]
		}
	}
	return nil
}

func decodeError(layer string, gp gopacket.Packet) error {
	if el := gp.ErrorLayer(); el != nil {
		return fmt.Errorf("no %s layer: %w", layer, el.Error())
	}
	return fmt.Errorf("no %s layer", layer)
}

func (p *Packet) Protocol() string {
	if p.TCP != nil {
		return "tcp"
	}
	return "udp"
}

func (p *Packet) SrcPort() uint16 {
	if p.TCP != nil {
		return uint16(p.TCP.SrcPort)
	}
	return uint16(p.UDP.SrcPort)
}

func (p *Packet) DstPort() uint16 {
	if p.TCP != nil {
		return uint16(p.TCP.DstPort)
	}
	return uint16(p.UDP.DstPort)
}

// Summary is a one-line description used in log fields.
func (p *Packet) Summary() string {
	s := fmt.Sprintf("%s %s:%d > %s:%d len=%d",
		strings.ToUpper(p.Protocol()), p.IP.SrcIP, p.SrcPort(), p.IP.DstIP, p.DstPort(), len(p.Payload))
	if p.TCP != nil {
		s += " flags=" + tcpFlags(p.TCP)
	}
	return s
}

func tcpFlags(t *layers.TCP) string {
	var b strings.Builder
	for _, f := range []struct {
		set  bool
		name byte
	}{
		{t.FIN, 'F'}, {t.SYN, 'S'}, {t.RST, 'R'}, {t.PSH, 'P'},
		{t.ACK, 'A'}, {t.URG, 'U'}, {t.ECE, 'E'}, {t.CWR, 'C'}, {t.NS, 'N'},
	} {
		if f.set {
			b.WriteByte(f.name)
		}
	}
	if b.Len() == 0 {
		return "-"
	}
	return b.String()
}

// Describe renders the human readable crash record for the packet: the failure time,
// a hex dump of the whole frame and a field by field decode of every layer.
func (p *Packet) Describe(failedAt time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Failed at %s\n\n", failedAt.Format("2006-01-02 15:04:05.000000"))
	b.WriteString(gopacket.NewPacket(p.Data, layers.LayerTypeIPv4, gopacket.Default).Dump())
	return b.String()
}
