package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/toughqos/internal/qos/wire"
)

func mustID(t *testing.T, s string) DeviceID {
	t.Helper()
	id, err := ParseDeviceID(s)
	require.NoError(t, err)
	return id
}

func TestStats_ParseDeviceID(t *testing.T) {
	t.Parallel()
	id := mustID(t, "00:0D:B9:2F:56:64")
	require.Equal(t, "00:0d:b9:2f:56:64", id.String())

	_, err := ParseDeviceID("nope")
	require.Error(t, err)
	_, err = ParseDeviceID("00:00:00:00:fe:80:00:00")
	require.Error(t, err)
}

func TestStats_SnapshotFromResponse(t *testing.T) {
	t.Parallel()
	resp := wire.NewStatsResponse([6]byte{1}, 1, 1, "x",
		[]wire.DscpStatsEntry{{Protocol: 17, Dscp: 46}},
		[]wire.DscpMapEntry{{Code: 46, Count: 10, AvgPacketSize: 200}, {Code: 0, Count: 5, AvgPacketSize: 1000}},
	)
	snap := SnapshotFromResponse(resp)
	require.Len(t, snap.Flows, 1)
	require.Equal(t, DscpCounter{Packets: 10, AvgPacketSize: 200}, snap.DscpMap[46])
	require.Equal(t, DscpCounter{Packets: 5, AvgPacketSize: 1000}, snap.DscpMap[0])
}

func TestStats_StoreReplacesWholesale(t *testing.T) {
	t.Parallel()
	s := NewStore()
	id := mustID(t, "00:00:00:00:00:01")

	s.Put(id, DeviceSnapshot{DscpMap: map[uint8]DscpCounter{46: {Packets: 100}, 0: {Packets: 5}}})
	s.Put(id, DeviceSnapshot{DscpMap: map[uint8]DscpCounter{8: {Packets: 1}}})

	snap, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, map[uint8]DscpCounter{8: {Packets: 1}}, snap.DscpMap)
	require.Equal(t, 1, s.Len())
}

func TestStats_AggregateSumsCountsAndAverages(t *testing.T) {
	t.Parallel()
	snaps := map[DeviceID]DeviceSnapshot{
		{1}: {DscpMap: map[uint8]DscpCounter{46: {Packets: 300, AvgPacketSize: 200}, 0: {Packets: 10, AvgPacketSize: 1500}}},
		{2}: {DscpMap: map[uint8]DscpCounter{46: {Packets: 301, AvgPacketSize: 100}}},
		{3}: {DscpMap: map[uint8]DscpCounter{}},
	}
	agg := Aggregate(snaps)
	require.Equal(t, map[uint8]AggregateCounter{
		46: {Packets: 601, AvgPacketSize: 300},
		0:  {Packets: 10, AvgPacketSize: 1500},
	}, agg)
}

func TestStats_AggregateDoesNotWrap(t *testing.T) {
	t.Parallel()
	snaps := map[DeviceID]DeviceSnapshot{
		{1}: {DscpMap: map[uint8]DscpCounter{46: {Packets: 0x80000000, AvgPacketSize: 0xffffffff}}},
		{2}: {DscpMap: map[uint8]DscpCounter{46: {Packets: 0x80000000, AvgPacketSize: 1}}},
	}
	agg := Aggregate(snaps)
	require.Equal(t, uint64(1)<<32, agg[46].Packets)
	require.Equal(t, uint64(1)<<32, agg[46].AvgPacketSize)
	require.Equal(t, uint64(1)<<32, Summarize(snaps).TotalPackets)
}

func TestStats_AggregateOrderIndependent(t *testing.T) {
	t.Parallel()
	a := DeviceSnapshot{DscpMap: map[uint8]DscpCounter{10: {Packets: 1, AvgPacketSize: 2}, 46: {Packets: 3, AvgPacketSize: 4}}}
	b := DeviceSnapshot{DscpMap: map[uint8]DscpCounter{10: {Packets: 5, AvgPacketSize: 6}}}
	c := DeviceSnapshot{DscpMap: map[uint8]DscpCounter{46: {Packets: 7, AvgPacketSize: 8}, 8: {Packets: 9}}}

	first := Aggregate(map[DeviceID]DeviceSnapshot{{1}: a, {2}: b, {3}: c})
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Aggregate(map[DeviceID]DeviceSnapshot{{3}: c, {1}: a, {2}: b}))
	}
	// Same snapshots under different device keys give the same result.
	assert.Equal(t, first, Aggregate(map[DeviceID]DeviceSnapshot{{9}: c, {8}: b, {7}: a}))
}

func TestStats_Summarize(t *testing.T) {
	t.Parallel()
	sum := Summarize(map[DeviceID]DeviceSnapshot{
		{1}: {DscpMap: map[uint8]DscpCounter{46: {Packets: 3}, 0: {Packets: 4}}},
		{2}: {DscpMap: map[uint8]DscpCounter{8: {Packets: 5}}},
	})
	require.Equal(t, 2, sum.Devices)
	require.Equal(t, uint64(12), sum.TotalPackets)
	require.Equal(t, []uint8{0, 8, 46}, sum.Codes)
}
