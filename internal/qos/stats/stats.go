package stats

import (
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/talkincode/toughqos/internal/qos/wire"
)

// DeviceID is the hardware address of a WTP.
type DeviceID [6]byte

// ParseDeviceID accepts the usual colon or dash separated MAC notations.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	hw, err := net.ParseMAC(s)
	if err != nil {
		return id, err
	}
	if len(hw) != len(id) {
		return id, fmt.Errorf("not a 48-bit address: %s", s)
	}
	copy(id[:], hw)
	return id, nil
}

func (d DeviceID) String() string {
	return net.HardwareAddr(d[:]).String()
}

// DscpCounter is the packet count and the device reported average packet size of one code.
type DscpCounter struct {
	Packets       uint32
	AvgPacketSize uint32
}

// DeviceSnapshot is the last statistics report of one device.
type DeviceSnapshot struct {
	DscpMap map[uint8]DscpCounter
	Flows   []wire.DscpStatsEntry
}

// SnapshotFromResponse converts a decoded response. Duplicate codes keep the last entry.
func SnapshotFromResponse(resp *wire.StatsResponse) DeviceSnapshot {
	snap := DeviceSnapshot{
		DscpMap: make(map[uint8]DscpCounter, len(resp.DscpMap)),
		Flows:   append([]wire.DscpStatsEntry(nil), resp.Entries...),
	}
	for _, e := range resp.DscpMap {
		snap.DscpMap[e.Code] = DscpCounter{Packets: e.Count, AvgPacketSize: e.AvgPacketSize}
	}
	return snap
}

// Store keeps the latest snapshot per device. Snapshots are replaced wholesale
// and never expire: a device that stops reporting keeps its last numbers.
type Store struct {
	mu        sync.RWMutex
	snapshots map[DeviceID]DeviceSnapshot
}

func NewStore() *Store {
	return &Store{snapshots: make(map[DeviceID]DeviceSnapshot)}
}

// Put replaces the snapshot of id.
func (s *Store) Put(id DeviceID, snap DeviceSnapshot) {
	s.mu.Lock()
	s.snapshots[id] = snap
	s.mu.Unlock()
}

func (s *Store) Get(id DeviceID) (DeviceSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	return snap, ok
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Snapshot returns a shallow copy of all device snapshots.
func (s *Store) Snapshot() map[DeviceID]DeviceSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[DeviceID]DeviceSnapshot, len(s.snapshots))
	for id, snap := range s.snapshots {
		out[id] = snap
	}
	return out
}

// AggregateCounter is the network wide sum of one code. It is wider than the
// per device counters so the sum of many 32-bit reports does not wrap.
type AggregateCounter struct {
	Packets       uint64
	AvgPacketSize uint64
}

// Aggregate merges per device counters into one network wide map. Packet counts
// are summed, and so are the average sizes: the result is a plain sum of the
// per device averages, not a weighted mean. Peers depend on that value.
func Aggregate(snapshots map[DeviceID]DeviceSnapshot) map[uint8]AggregateCounter {
	out := make(map[uint8]AggregateCounter)
	for _, snap := range snapshots {
		for code, c := range snap.DscpMap {
			acc := out[code]
			acc.Packets += uint64(c.Packets)
			acc.AvgPacketSize += uint64(c.AvgPacketSize)
			out[code] = acc
		}
	}
	return out
}

// Summary is the observer friendly view of an aggregation.
type Summary struct {
	Devices      int
	TotalPackets uint64
	Codes        []uint8
	Counters     map[uint8]AggregateCounter
}

func Summarize(snapshots map[DeviceID]DeviceSnapshot) Summary {
	agg := Aggregate(snapshots)
	sum := Summary{
		Devices:  len(snapshots),
		Codes:    make([]uint8, 0, len(agg)),
		Counters: agg,
	}
	for code, c := range agg {
		sum.TotalPackets += c.Packets
		sum.Codes = append(sum.Codes, code)
	}
	sort.Slice(sum.Codes, func(i, j int) bool { return sum.Codes[i] < sum.Codes[j] })
	return sum
}
