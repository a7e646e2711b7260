package busconf

import (
	"encoding/binary"
	"fmt"
	"net"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kstaniek/go-vbus-driver/pkg/wire"
)

// CAN interface parameters.
type CAN struct {
	SelfReception   bool   `cbor:"self_reception" yaml:"self_reception"`
	BaudRate        uint32 `cbor:"baud_rate" yaml:"baud_rate"`
	FastDataEnabled bool   `cbor:"fast_data_enabled" yaml:"fast_data_enabled"`
	FastBaudRate    uint64 `cbor:"fast_baud_rate" yaml:"fast_baud_rate"`
}

func (*CAN) BusType() wire.BusType { return wire.CAN }

func (c *CAN) Validate() error {
	if c.BaudRate == 0 {
		return invalidf("can baud rate must be > 0")
	}
	if c.FastDataEnabled && c.FastBaudRate == 0 {
		return invalidf("can fd enabled without fast baud rate")
	}
	return nil
}

// LIN interface parameters.
type LIN struct {
	SelfReception bool   `cbor:"self_reception" yaml:"self_reception"`
	BaudRate      uint32 `cbor:"baud_rate" yaml:"baud_rate"`
	MasterMode    bool   `cbor:"master_mode" yaml:"master_mode"`
}

func (*LIN) BusType() wire.BusType { return wire.LIN }

func (l *LIN) Validate() error {
	if l.BaudRate == 0 || l.BaudRate > 20_000 {
		return invalidf("lin baud rate %d outside 1..20000", l.BaudRate)
	}
	return nil
}

// FlexRay interface parameters. Ranges follow the FlexRay cluster parameter
// limits.
type FlexRay struct {
	SelfReception               bool   `cbor:"self_reception" yaml:"self_reception"`
	CycleMicros                 uint16 `cbor:"cycle_us" yaml:"cycle_us"`
	Channel                     uint8  `cbor:"channel" yaml:"channel"`
	BitsPerSecond               uint64 `cbor:"bits_per_second" yaml:"bits_per_second"`
	BitsPerCycle                uint64 `cbor:"bits_per_cycle" yaml:"bits_per_cycle"`
	MacroTicksPerCycle          uint16 `cbor:"macroticks_per_cycle" yaml:"macroticks_per_cycle"`
	StaticSlotsPerCycle         uint16 `cbor:"static_slots" yaml:"static_slots"`
	MacroTicksPerStaticSlot     uint16 `cbor:"macroticks_per_static_slot" yaml:"macroticks_per_static_slot"`
	PayloadWordsInStaticSegment uint8  `cbor:"payload_words_static" yaml:"payload_words_static"`
	MiniSlotsPerCycle           uint16 `cbor:"minislots" yaml:"minislots"`
	MacroTicksPerMiniSlot       uint16 `cbor:"macroticks_per_minislot" yaml:"macroticks_per_minislot"`
	DynamicSlotIdlePhase        uint16 `cbor:"dynamic_slot_idle_phase" yaml:"dynamic_slot_idle_phase"`
	MacroTicksInSymbolWindow    uint8  `cbor:"symbol_window" yaml:"symbol_window"`
}

// DefaultFlexRay returns a 10 Mbit/s, 5 ms cycle cluster on both channels.
func DefaultFlexRay() *FlexRay {
	return &FlexRay{
		CycleMicros:                 5000,
		Channel:                     wire.ChannelBoth,
		BitsPerSecond:               10_000_000,
		BitsPerCycle:                50_000,
		MacroTicksPerCycle:          5000,
		StaticSlotsPerCycle:         60,
		MacroTicksPerStaticSlot:     24,
		PayloadWordsInStaticSegment: 16,
		MiniSlotsPerCycle:           200,
		MacroTicksPerMiniSlot:       6,
		DynamicSlotIdlePhase:        1,
	}
}

func (*FlexRay) BusType() wire.BusType { return wire.FlexRay }

func (f *FlexRay) Validate() error {
	switch {
	case f.Channel == 0 || f.Channel > wire.ChannelBoth:
		return invalidf("flexray channel %d", f.Channel)
	case f.BitsPerSecond == 0:
		return invalidf("flexray bit rate must be > 0")
	case f.MacroTicksPerCycle < 8 || f.MacroTicksPerCycle > 16000:
		return invalidf("flexray macroticks per cycle %d outside 8..16000", f.MacroTicksPerCycle)
	case f.StaticSlotsPerCycle < 2 || f.StaticSlotsPerCycle > 1023:
		return invalidf("flexray static slots %d outside 2..1023", f.StaticSlotsPerCycle)
	case f.MacroTicksPerStaticSlot < 3 || f.MacroTicksPerStaticSlot > 664:
		return invalidf("flexray static slot duration %d outside 3..664", f.MacroTicksPerStaticSlot)
	case f.PayloadWordsInStaticSegment > 127:
		return invalidf("flexray static payload %d words > 127", f.PayloadWordsInStaticSegment)
	case f.MiniSlotsPerCycle > 7988:
		return invalidf("flexray minislots %d > 7988", f.MiniSlotsPerCycle)
	case f.MiniSlotsPerCycle > 0 && f.MacroTicksPerMiniSlot < 2:
		return invalidf("flexray minislot duration %d < 2", f.MacroTicksPerMiniSlot)
	case uint32(f.DynamicSlotIdlePhase) > 2*uint32(f.MiniSlotsPerCycle) && f.MiniSlotsPerCycle > 0:
		return invalidf("flexray dynamic slot idle phase %d > 2*minislots", f.DynamicSlotIdlePhase)
	case f.MacroTicksInSymbolWindow > 162:
		return invalidf("flexray symbol window %d > 162", f.MacroTicksInSymbolWindow)
	}
	return nil
}

// Speed is the maximum Ethernet controller speed.
type Speed uint8

const (
	Speed10M Speed = iota
	Speed100M
	Speed1G
	Speed10G
)

var speedNames = [...]string{"10M", "100M", "1G", "10G"}

func (s Speed) String() string {
	if int(s) < len(speedNames) {
		return speedNames[s]
	}
	return fmt.Sprintf("Speed(%d)", uint8(s))
}

// MarshalYAML renders the speed by name.
func (s Speed) MarshalYAML() (any, error) { return s.String(), nil }

// UnmarshalYAML accepts a speed name (10M, 100M, 1G, 10G) or its ordinal.
func (s *Speed) UnmarshalYAML(n *yaml.Node) error {
	for i, name := range speedNames {
		if strings.EqualFold(n.Value, name) {
			*s = Speed(i)
			return nil
		}
	}
	var v uint8
	if err := n.Decode(&v); err != nil {
		return invalidf("ethernet speed %q", n.Value)
	}
	*s = Speed(v)
	return nil
}

// MAC is a 48-bit Ethernet address.
type MAC [6]byte

// Broadcast is ff:ff:ff:ff:ff:ff.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC accepts the formats net.ParseMAC does, restricted to 48 bits.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, invalidf("mac %q is not 48 bits", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

func (m MAC) String() string { return net.HardwareAddr(m[:]).String() }

// MarshalYAML renders the address in plain colon notation. A bare string
// would come out quoted, since all-digit addresses look like sexagesimal
// numbers to YAML 1.1 readers.
func (m MAC) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: m.String()}, nil
}

// UnmarshalYAML accepts an address in any net.ParseMAC notation.
func (m *MAC) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := ParseMAC(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Multicast reports whether the group bit is set.
func (m MAC) Multicast() bool { return m[0]&0x01 != 0 }

// IsZero reports whether m is all zeros.
func (m MAC) IsZero() bool { return m == MAC{} }

// MaxVLAN is the largest IEEE 802.1Q VLAN id.
const MaxVLAN = 4095

// Ethernet interface parameters.
type Ethernet struct {
	MAC       MAC      `cbor:"mac" yaml:"mac"`
	VLANs     []uint16 `cbor:"vlans,omitempty" yaml:"vlans,omitempty"`
	Multicast []MAC    `cbor:"multicast,omitempty" yaml:"multicast,omitempty"`
	MaxSpeed  Speed    `cbor:"max_speed" yaml:"max_speed"`
}

func (*Ethernet) BusType() wire.BusType { return wire.Ethernet }

func (e *Ethernet) Validate() error {
	if e.MAC.Multicast() {
		return invalidf("interface mac %v is a group address", e.MAC)
	}
	if e.MaxSpeed > Speed10G {
		return invalidf("ethernet speed %v", e.MaxSpeed)
	}
	if err := ValidateVLANs(e.VLANs); err != nil {
		return err
	}
	return ValidateMulticast(e.Multicast)
}

// ValidateVLANs checks every id is in 0..4095.
func ValidateVLANs(ids []uint16) error {
	for _, id := range ids {
		if id > MaxVLAN {
			return invalidf("vlan id %d > %d", id, MaxVLAN)
		}
	}
	return nil
}

// ValidateMulticast checks every address has the group bit set.
func ValidateMulticast(addrs []MAC) error {
	for _, a := range addrs {
		if !a.Multicast() {
			return invalidf("%v is not a multicast address", a)
		}
	}
	return nil
}

// Accepts reports whether an interface with these parameters receives the
// raw Ethernet frame. A zero MAC receives everything. Tagged frames are only
// received for configured VLANs; untagged frames always pass the VLAN check.
func (e *Ethernet) Accepts(raw []byte) bool {
	if len(raw) < wire.MinEthernetFrame {
		return false
	}
	if e.MAC.IsZero() {
		return true
	}
	if binary.BigEndian.Uint16(raw[12:14]) == 0x8100 {
		if len(raw) < 16 {
			return false
		}
		vid := binary.BigEndian.Uint16(raw[14:16]) & 0x0FFF
		if !slices.Contains(e.VLANs, vid) {
			return false
		}
	}
	var dst MAC
	copy(dst[:], raw[:6])
	switch {
	case dst == e.MAC, dst == Broadcast:
		return true
	case dst.Multicast():
		return slices.Contains(e.Multicast, dst)
	}
	return false
}

// Custom bus parameters: an opaque blob plus an optional frame size bound.
type Custom struct {
	Data     []byte `cbor:"data,omitempty" yaml:"data"`
	MaxFrame uint32 `cbor:"max_frame,omitempty" yaml:"max_frame"`
}

func (*Custom) BusType() wire.BusType { return wire.Custom }
func (*Custom) Validate() error       { return nil }
