package wire

import (
	"encoding/binary"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

var testDevice = [6]byte{0x00, 0x0d, 0xb9, 0x2f, 0x56, 0x64}

func TestWire_StatsRequest_RoundTrip(t *testing.T) {
	t.Parallel()
	req := NewStatsRequest(testDevice, 7, 42, "empower")

	b, err := req.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, StatsRequestSize)
	require.Equal(t, PTDscpStatsRequest, b[1])
	require.Equal(t, uint32(StatsRequestSize), binary.BigEndian.Uint32(b[2:6]))

	var got StatsRequest
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *req, got)
	require.Equal(t, "empower", got.SSID.String())
}

func TestWire_StatsResponse_RoundTrip(t *testing.T) {
	t.Parallel()
	entries := []DscpStatsEntry{
		{SrcIP: [4]byte{10, 0, 0, 1}, DstIP: [4]byte{10, 0, 0, 2}, SrcPort: 5060, DstPort: 5061, Protocol: 17, Dscp: 46},
		{SrcIP: [4]byte{192, 168, 1, 9}, DstIP: [4]byte{8, 8, 8, 8}, SrcPort: 40000, DstPort: 443, Protocol: 6, Dscp: 0},
	}
	dscpMap := []DscpMapEntry{
		{Code: 46, Count: 601, AvgPacketSize: 180},
		{Code: 0, Count: 12000, AvgPacketSize: 1400},
		{Code: 8, Count: 3, AvgPacketSize: 64},
	}
	resp := NewStatsResponse(testDevice, 1, 2, "empower", entries, dscpMap)

	b, err := resp.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, statsResponseBase+2*StatsEntrySize+3*DscpMapEntrySize)
	require.Equal(t, uint32(len(b)), resp.Length)

	var got StatsResponse
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *resp, got)
}

func TestWire_StatsResponse_EmptyArrays(t *testing.T) {
	t.Parallel()
	resp := NewStatsResponse(testDevice, 1, 2, "net", nil, nil)
	b, err := resp.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, statsResponseBase)

	var got StatsResponse
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *resp, got)
}

func TestWire_StatsResponse_EmptySlicesAreNil(t *testing.T) {
	t.Parallel()
	resp := NewStatsResponse(testDevice, 1, 2, "net", []DscpStatsEntry{}, []DscpMapEntry{})
	require.Nil(t, resp.Entries)
	require.Nil(t, resp.DscpMap)

	b, err := resp.MarshalBinary()
	require.NoError(t, err)
	var got StatsResponse
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *resp, got)

	// A literal with empty slices encodes the same bytes.
	lit := *resp
	lit.Entries = []DscpStatsEntry{}
	lit.DscpMap = []DscpMapEntry{}
	lb, err := lit.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, b, lb)
}

func TestWire_RulePush_RoundTrip(t *testing.T) {
	t.Parallel()
	push := NewRulePush(testDevice, 3, 4, 184, MatchDscp(46))

	b, err := push.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, RulePushSize)
	require.Equal(t, uint8(184), b[HeaderSize])
	require.Equal(t, uint8(255), b[HeaderSize+1+12])
	require.Equal(t, uint8(46), b[HeaderSize+1+13])

	var got RulePush
	require.NoError(t, got.UnmarshalBinary(b))
	require.Equal(t, *push, got)
}

func TestWire_HeaderLayout(t *testing.T) {
	t.Parallel()
	b, err := NewRulePush(testDevice, 0x01020304, 0x0A0B0C0D, 0, MatchDscp(0)).MarshalBinary()
	require.NoError(t, err)

	require.Equal(t, ProtocolVersion, b[0])
	require.Equal(t, PTTrafficRulePush, b[1])
	require.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(b[6:10]))
	require.Equal(t, uint32(0x0A0B0C0D), binary.BigEndian.Uint32(b[10:14]))
	require.Equal(t, testDevice[:], b[14:20])

	h, err := PeekHeader(b)
	require.NoError(t, err)
	require.Equal(t, PTTrafficRulePush, h.Type)
	require.Equal(t, uint32(RulePushSize), h.Length)
}

func TestWire_Truncated(t *testing.T) {
	t.Parallel()
	b, err := NewStatsRequest(testDevice, 1, 1, "x").MarshalBinary()
	require.NoError(t, err)

	var req StatsRequest
	err = req.UnmarshalBinary(b[:StatsRequestSize-1])
	require.True(t, errors.Is(err, ErrFraming))

	var push RulePush
	err = push.UnmarshalBinary(b[:10])
	require.True(t, errors.Is(err, ErrFraming))

	_, err = PeekHeader(b[:HeaderSize-1])
	require.True(t, errors.Is(err, ErrFraming))
}

func TestWire_StatsResponse_CountsPastDeclaredLength(t *testing.T) {
	t.Parallel()
	resp := NewStatsResponse(testDevice, 1, 1, "x", nil, []DscpMapEntry{{Code: 46, Count: 1, AvgPacketSize: 1}})
	b, err := resp.MarshalBinary()
	require.NoError(t, err)

	// Claim two dscp codes while carrying one.
	b[statsResponseBase-1] = 2
	var got StatsResponse
	err = got.UnmarshalBinary(b)
	require.True(t, errors.Is(err, ErrFraming))

	// Declared length shorter than the arrays, even with bytes left in the buffer.
	b, err = resp.MarshalBinary()
	require.NoError(t, err)
	b = append(b, make([]byte, 32)...)
	binary.BigEndian.PutUint32(b[2:6], uint32(statsResponseBase+DscpMapEntrySize-1))
	err = got.UnmarshalBinary(b)
	require.True(t, errors.Is(err, ErrFraming))
}

func TestWire_DeclaredLengthExceedsBuffer(t *testing.T) {
	t.Parallel()
	b, err := NewRulePush(testDevice, 1, 1, 0, MatchDscp(0)).MarshalBinary()
	require.NoError(t, err)
	binary.BigEndian.PutUint32(b[2:6], RulePushSize+1)

	var push RulePush
	err = push.UnmarshalBinary(b)
	require.True(t, errors.Is(err, ErrFraming))
}

func TestWire_SSID(t *testing.T) {
	t.Parallel()
	long := "0123456789012345678901234567890123456789"
	s := NewSSID(long)
	require.Equal(t, long[:NetworkIDMaxSize], s.String())
	require.Equal(t, byte(0), s[NetworkIDMaxSize])
	require.Equal(t, "", NewSSID("").String())
}

func TestWire_MatchString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "0.0.0.0:0 -> 0.0.0.0:0 proto=any dscp=46", MatchDscp(46).String())

	m := MatchDscp(10)
	m.Protocol = 6
	require.Contains(t, m.String(), "proto=TCP")
}
