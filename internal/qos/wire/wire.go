package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// Message type codes shared with the WTP agent. Both sides must agree on them.
const (
	PTDscpStatsRequest  uint8 = 0x8D
	PTDscpStatsResponse uint8 = 0x8E
	PTTrafficRulePush   uint8 = 0x8F
)

const (
	ProtocolVersion uint8 = 0x02

	// NetworkIDMaxSize is the maximum SSID length; the wire field carries one extra NUL byte.
	NetworkIDMaxSize = 32
	SSIDSize         = NetworkIDMaxSize + 1

	HeaderSize        = 20
	StatsEntrySize    = RuleMatchSize
	DscpMapEntrySize  = 9
	RuleMatchSize     = 14
	StatsRequestSize  = HeaderSize + SSIDSize
	statsResponseBase = HeaderSize + SSIDSize + 2 + 1
	RulePushSize      = HeaderSize + 1 + RuleMatchSize
)

// Traffic rule match wildcards.
const (
	AnyPort     uint16 = 0
	AnyProtocol uint8  = 255
	AnyDscp     uint8  = 255
)

var AnyIPAddress = [4]byte{0, 0, 0, 0}

// ErrFraming is returned for truncated or inconsistent buffers.
var ErrFraming = errors.New("wire: framing error")

func framingError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrFraming, format, args...)
}

// Header is the common prefix of every WTP message.
type Header struct {
	Version       uint8
	Type          uint8
	Length        uint32
	Sequence      uint32
	TransactionID uint32
	Device        [6]byte
}

func (h *Header) put(b []byte) {
	b[0] = h.Version
	b[1] = h.Type
	binary.BigEndian.PutUint32(b[2:6], h.Length)
	binary.BigEndian.PutUint32(b[6:10], h.Sequence)
	binary.BigEndian.PutUint32(b[10:14], h.TransactionID)
	copy(b[14:20], h.Device[:])
}

// PeekHeader decodes only the header. The transport uses it to dispatch on Type.
func PeekHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, framingError("header needs %d bytes, got %d", HeaderSize, len(b))
	}
	h.Version = b[0]
	h.Type = b[1]
	h.Length = binary.BigEndian.Uint32(b[2:6])
	h.Sequence = binary.BigEndian.Uint32(b[6:10])
	h.TransactionID = binary.BigEndian.Uint32(b[10:14])
	copy(h.Device[:], b[14:20])
	return h, nil
}

// SSID is the fixed width, NUL padded network name field.
type SSID [SSIDSize]byte

// NewSSID truncates name to NetworkIDMaxSize bytes.
func NewSSID(name string) SSID {
	var s SSID
	if len(name) > NetworkIDMaxSize {
		name = name[:NetworkIDMaxSize]
	}
	copy(s[:], name)
	return s
}

func (s SSID) String() string {
	for i, c := range s {
		if c == 0 {
			return string(s[:i])
		}
	}
	return string(s[:])
}

// TrafficRuleMatch selects the packets a rule applies to. Zero IPs and ports and
// AnyProtocol act as wildcards.
type TrafficRuleMatch struct {
	SrcIP    [4]byte
	DstIP    [4]byte
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	Dscp     uint8
}

// MatchDscp returns a match on dscp with every other field wildcarded.
func MatchDscp(dscp uint8) TrafficRuleMatch {
	return TrafficRuleMatch{
		SrcIP:    AnyIPAddress,
		DstIP:    AnyIPAddress,
		SrcPort:  AnyPort,
		DstPort:  AnyPort,
		Protocol: AnyProtocol,
		Dscp:     dscp,
	}
}

func (m TrafficRuleMatch) put(b []byte) {
	copy(b[0:4], m.SrcIP[:])
	copy(b[4:8], m.DstIP[:])
	binary.BigEndian.PutUint16(b[8:10], m.SrcPort)
	binary.BigEndian.PutUint16(b[10:12], m.DstPort)
	b[12] = m.Protocol
	b[13] = m.Dscp
}

func readMatch(b []byte) TrafficRuleMatch {
	var m TrafficRuleMatch
	copy(m.SrcIP[:], b[0:4])
	copy(m.DstIP[:], b[4:8])
	m.SrcPort = binary.BigEndian.Uint16(b[8:10])
	m.DstPort = binary.BigEndian.Uint16(b[10:12])
	m.Protocol = b[12]
	m.Dscp = b[13]
	return m
}

func (m TrafficRuleMatch) String() string {
	proto := "any"
	if m.Protocol != AnyProtocol {
		proto = layers.IPProtocol(m.Protocol).String()
	}
	return fmt.Sprintf("%s:%d -> %s:%d proto=%s dscp=%d",
		net.IP(m.SrcIP[:]), m.SrcPort, net.IP(m.DstIP[:]), m.DstPort, proto, m.Dscp)
}

// DscpStatsEntry is one flow sample observed by a WTP. It shares the match layout.
type DscpStatsEntry TrafficRuleMatch

// DscpMapEntry is the per code counter reported by a WTP.
type DscpMapEntry struct {
	Code          uint8
	Count         uint32
	AvgPacketSize uint32
}

// StatsRequest asks a WTP for its DSCP statistics on one SSID.
type StatsRequest struct {
	Header
	SSID SSID
}

// NewStatsRequest fills the header for a request to device.
func NewStatsRequest(device [6]byte, seq, xid uint32, ssid string) *StatsRequest {
	return &StatsRequest{
		Header: Header{
			Version:       ProtocolVersion,
			Type:          PTDscpStatsRequest,
			Length:        StatsRequestSize,
			Sequence:      seq,
			TransactionID: xid,
			Device:        device,
		},
		SSID: NewSSID(ssid),
	}
}

func (r *StatsRequest) MarshalBinary() ([]byte, error) {
	b := make([]byte, StatsRequestSize)
	h := r.Header
	h.Length = StatsRequestSize
	h.put(b)
	copy(b[HeaderSize:], r.SSID[:])
	return b, nil
}

func (r *StatsRequest) UnmarshalBinary(b []byte) error {
	h, err := decodeHeader(b, StatsRequestSize)
	if err != nil {
		return err
	}
	r.Header = h
	copy(r.SSID[:], b[HeaderSize:StatsRequestSize])
	return nil
}

// StatsResponse carries the flow samples and DSCP counters of one WTP.
//
// Nil is the canonical empty value of Entries and DscpMap: decoding never
// yields an empty non-nil slice, and NewStatsResponse normalizes to nil.
type StatsResponse struct {
	Header
	SSID    SSID
	Entries []DscpStatsEntry
	DscpMap []DscpMapEntry
}

// NewStatsResponse builds a response with a consistent Length.
func NewStatsResponse(device [6]byte, seq, xid uint32, ssid string, entries []DscpStatsEntry, dscpMap []DscpMapEntry) *StatsResponse {
	r := &StatsResponse{
		Header: Header{
			Version:       ProtocolVersion,
			Type:          PTDscpStatsResponse,
			Sequence:      seq,
			TransactionID: xid,
			Device:        device,
		},
		SSID: NewSSID(ssid),
	}
	if len(entries) > 0 {
		r.Entries = entries
	}
	if len(dscpMap) > 0 {
		r.DscpMap = dscpMap
	}
	r.Length = uint32(r.Size())
	return r
}

// Size is the encoded size of r.
func (r *StatsResponse) Size() int {
	return statsResponseBase + len(r.Entries)*StatsEntrySize + len(r.DscpMap)*DscpMapEntrySize
}

func (r *StatsResponse) MarshalBinary() ([]byte, error) {
	if len(r.Entries) > 0xFFFF {
		return nil, errors.Errorf("wire: too many stats entries: %d", len(r.Entries))
	}
	if len(r.DscpMap) > 0xFF {
		return nil, errors.Errorf("wire: too many dscp map entries: %d", len(r.DscpMap))
	}
	size := r.Size()
	b := make([]byte, size)
	h := r.Header
	h.Length = uint32(size)
	h.put(b)
	off := HeaderSize
	copy(b[off:off+SSIDSize], r.SSID[:])
	off += SSIDSize
	binary.BigEndian.PutUint16(b[off:off+2], uint16(len(r.Entries)))
	b[off+2] = uint8(len(r.DscpMap))
	off += 3
	for _, e := range r.Entries {
		TrafficRuleMatch(e).put(b[off : off+StatsEntrySize])
		off += StatsEntrySize
	}
	for _, e := range r.DscpMap {
		b[off] = e.Code
		binary.BigEndian.PutUint32(b[off+1:off+5], e.Count)
		binary.BigEndian.PutUint32(b[off+5:off+9], e.AvgPacketSize)
		off += DscpMapEntrySize
	}
	return b, nil
}

func (r *StatsResponse) UnmarshalBinary(b []byte) error {
	h, err := decodeHeader(b, statsResponseBase)
	if err != nil {
		return err
	}
	// Never read past the declared message length.
	b = b[:h.Length]

	off := HeaderSize
	var ssid SSID
	copy(ssid[:], b[off:off+SSIDSize])
	off += SSIDSize
	nbEntries := int(binary.BigEndian.Uint16(b[off : off+2]))
	mapCount := int(b[off+2])
	off += 3

	need := off + nbEntries*StatsEntrySize + mapCount*DscpMapEntrySize
	if need > len(b) {
		return framingError("response declares %d entries and %d dscp codes (%d bytes) but length is %d",
			nbEntries, mapCount, need, len(b))
	}

	var entries []DscpStatsEntry
	if nbEntries > 0 {
		entries = make([]DscpStatsEntry, nbEntries)
		for i := range entries {
			entries[i] = DscpStatsEntry(readMatch(b[off : off+StatsEntrySize]))
			off += StatsEntrySize
		}
	}
	var dscpMap []DscpMapEntry
	if mapCount > 0 {
		dscpMap = make([]DscpMapEntry, mapCount)
		for i := range dscpMap {
			dscpMap[i] = DscpMapEntry{
				Code:          b[off],
				Count:         binary.BigEndian.Uint32(b[off+1 : off+5]),
				AvgPacketSize: binary.BigEndian.Uint32(b[off+5 : off+9]),
			}
			off += DscpMapEntrySize
		}
	}

	r.Header = h
	r.SSID = ssid
	r.Entries = entries
	r.DscpMap = dscpMap
	return nil
}

// RulePush installs one traffic rule on a WTP: packets matching Match get their
// ToS rewritten to Dscp.
type RulePush struct {
	Header
	Dscp  uint8
	Match TrafficRuleMatch
}

func NewRulePush(device [6]byte, seq, xid uint32, tos uint8, match TrafficRuleMatch) *RulePush {
	return &RulePush{
		Header: Header{
			Version:       ProtocolVersion,
			Type:          PTTrafficRulePush,
			Length:        RulePushSize,
			Sequence:      seq,
			TransactionID: xid,
			Device:        device,
		},
		Dscp:  tos,
		Match: match,
	}
}

func (p *RulePush) MarshalBinary() ([]byte, error) {
	b := make([]byte, RulePushSize)
	h := p.Header
	h.Length = RulePushSize
	h.put(b)
	b[HeaderSize] = p.Dscp
	p.Match.put(b[HeaderSize+1:])
	return b, nil
}

func (p *RulePush) UnmarshalBinary(b []byte) error {
	h, err := decodeHeader(b, RulePushSize)
	if err != nil {
		return err
	}
	p.Header = h
	p.Dscp = b[HeaderSize]
	p.Match = readMatch(b[HeaderSize+1 : RulePushSize])
	return nil
}

// decodeHeader checks that b holds at least min bytes and the declared length,
// and that the declared length covers min.
func decodeHeader(b []byte, min int) (Header, error) {
	if len(b) < min {
		return Header{}, framingError("need at least %d bytes, got %d", min, len(b))
	}
	h, err := PeekHeader(b)
	if err != nil {
		return h, err
	}
	if int(h.Length) < min {
		return h, framingError("declared length %d is below minimum %d", h.Length, min)
	}
	if int(h.Length) > len(b) {
		return h, framingError("declared length %d exceeds buffer of %d bytes", h.Length, len(b))
	}
	return h, nil
}
