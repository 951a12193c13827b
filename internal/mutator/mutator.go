package mutator

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"dpifuzz/internal/packet"

	fuzz "github.com/google/gofuzz"
	"github.com/google/gopacket/layers"
)

const (
	TCPRatio = 0.8 // most classified traffic is TCP, so bias towards it
	SSHPort  = 22  // never aimed at, management access to the target host must survive

	tcpWindow  = 65535
	defaultTTL = 64
	maxOptions = 4
	// biggest payload that still fits an IPv4 frame with a full TCP header
	MaxPayloadLimit = 65535 - 20 - 60
)

type Config struct {
	Target     net.IP
	Source     net.IP
	MinPayload int
	MaxPayload int
	Seed       int64 // 0 picks a clock based seed
}

// Mutator crafts randomized TCP/UDP frames aimed at a single target. It is not safe
// for concurrent use; the fuzz loop owns it.
type Mutator struct {
	target net.IP
	source net.IP
	minLen int
	maxLen int
	seed   int64

	rng    *rand.Rand
	fuzzer *fuzz.Fuzzer
}

func New(cfg Config) (*Mutator, error) {
	target := cfg.Target.To4()
	if target == nil {
		return nil, fmt.Errorf("target %q is not an IPv4 address", cfg.Target)
	}
	source := cfg.Source.To4()
	if source == nil {
		source = net.IPv4zero.To4()
	}
	if cfg.MinPayload < 0 || cfg.MaxPayload < cfg.MinPayload || cfg.MaxPayload > MaxPayloadLimit {
		return nil, fmt.Errorf("invalid payload bounds [%d, %d]", cfg.MinPayload, cfg.MaxPayload)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	src := rand.NewSource(seed)

	return &Mutator{
		target: target,
		source: source,
		minLen: cfg.MinPayload,
		maxLen: cfg.MaxPayload,
		seed:   seed,
		rng:    rand.New(src),
		fuzzer: fuzz.New().NilChance(0).RandSource(src),
	}, nil
}

// Seed is the effective seed, logged so a run can be reproduced.
func (m *Mutator) Seed() int64 {
	return m.seed
}

// header fields that are left entirely to the fuzzer
type tcpFields struct {
	SrcPort  uint16
	DstPort  uint16
	Seq      uint32
	Ack      uint32
	Flags    uint16
	Checksum uint16
	Urgent   uint16
}

type udpFields struct {
	SrcPort  uint16
	DstPort  uint16
	Checksum uint16
}

var errNoCandidate = errors.New("no candidate built")

// Generate returns a fresh frame. Header values carry no semantic guarantee, but the
// frame always serializes and is never addressed to the SSH port.
func (m *Mutator) Generate() (*packet.Packet, error) {
	body := m.body()
	for {
		var (
			p   *packet.Packet
			err error
		)
		if m.rng.Float64() < TCPRatio {
			p, err = m.tcp(body)
		} else {
			p, err = m.udp(body)
		}
		if errors.Is(err, errNoCandidate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func (m *Mutator) body() []byte {
	body := make([]byte, m.minLen+m.rng.Intn(m.maxLen-m.minLen+1))
	m.rng.Read(body)
	return body
}

func (m *Mutator) ipv4() *layers.IPv4 {
	return &layers.IPv4{
		Version:    4,
		TTL:        defaultTTL,
		Id:         uint16(1 + m.rng.Intn(0xffff)), // the kernel rewrites a zero id
		Flags:      layers.IPv4DontFragment,
		FragOffset: 0,
		SrcIP:      m.source,
		DstIP:      m.target,
	}
}

func (m *Mutator) tcp(body []byte) (*packet.Packet, error) {
	var f tcpFields
	m.fuzzer.Fuzz(&f)
	if f.DstPort == SSHPort {
		return nil, errNoCandidate
	}

	options, dataOffset := m.tcpOptions()
	tcp := &layers.TCP{
		SrcPort:    layers.TCPPort(f.SrcPort),
		DstPort:    layers.TCPPort(f.DstPort),
		Seq:        f.Seq,
		Ack:        f.Ack,
		DataOffset: dataOffset,
		FIN:        f.Flags&0x001 != 0,
		SYN:        f.Flags&0x002 != 0,
		RST:        f.Flags&0x004 != 0,
		PSH:        f.Flags&0x008 != 0,
		ACK:        f.Flags&0x010 != 0,
		URG:        f.Flags&0x020 != 0,
		ECE:        f.Flags&0x040 != 0,
		CWR:        f.Flags&0x080 != 0,
		NS:         f.Flags&0x100 != 0,
		Window:     tcpWindow,
		Checksum:   f.Checksum,
		Urgent:     f.Urgent,
		Options:    options,
	}
	return packet.Build(m.ipv4(), tcp, nil, body)
}

func (m *Mutator) udp(body []byte) (*packet.Packet, error) {
	var f udpFields
	m.fuzzer.Fuzz(&f)
	if f.DstPort == SSHPort {
		return nil, errNoCandidate
	}

	udp := &layers.UDP{
		SrcPort:  layers.UDPPort(f.SrcPort),
		DstPort:  layers.UDPPort(f.DstPort),
		Length:   uint16(8 + len(body)),
		Checksum: f.Checksum,
	}
	return packet.Build(m.ipv4(), nil, udp, body)
}

var optionKinds = []struct {
	kind layers.TCPOptionKind
	size int // option data bytes, -1 for single byte options
}{
	{layers.TCPOptionKindNop, -1},
	{layers.TCPOptionKindMSS, 2},
	{layers.TCPOptionKindWindowScale, 1},
	{layers.TCPOptionKindSACKPermitted, 0},
	{layers.TCPOptionKindTimestamps, 8},
}

// tcpOptions draws up to maxOptions well-formed options with random contents, padded
// with NOPs to a word boundary, and returns the matching data offset.
func (m *Mutator) tcpOptions() ([]layers.TCPOption, uint8) {
	var options []layers.TCPOption
	length := 0
	for range m.rng.Intn(maxOptions + 1) {
		k := optionKinds[m.rng.Intn(len(optionKinds))]
		if k.size < 0 {
			options = append(options, nop())
			length++
			continue
		}
		data := make([]byte, k.size)
		m.rng.Read(data)
		options = append(options, layers.TCPOption{
			OptionType:   k.kind,
			OptionLength: uint8(k.size + 2),
			OptionData:   data,
		})
		length += k.size + 2
	}
	for length%4 != 0 {
		options = append(options, nop())
		length++
	}
	return options, uint8(5 + length/4)
}

func nop() layers.TCPOption {
	return layers.TCPOption{OptionType: layers.TCPOptionKindNop, OptionLength: 1}
}
