package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/talkincode/toughqos/internal/qos/stats"
	"github.com/talkincode/toughqos/internal/qos/wire"
)

var (
	wtpA = stats.DeviceID{0x00, 0x0d, 0xb9, 0x2f, 0x56, 0x64}
	wtpB = stats.DeviceID{0x00, 0x0d, 0xb9, 0x2f, 0x56, 0x65}
)

type fakeConn struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakeConn) IsConnected() bool { return true }
func (f *fakeConn) Drain() error      { return nil }

func (f *fakeConn) Publish(subject string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, subject)
	return nil
}

func newTestTransport(conn *fakeConn, clock clockwork.Clock) *NATSTransport {
	return &NATSTransport{
		nc:      conn,
		prefix:  "empower",
		ttl:     30 * time.Second,
		clock:   clock,
		devices: map[stats.DeviceID]bool{wtpA: true, wtpB: true},
		pending: make(map[pendingKey]pendingCall),
	}
}

func uplink(id stats.DeviceID, payload []byte) *nats.Msg {
	return &nats.Msg{Subject: fmt.Sprintf("empower.wtp.%s.up", subjectID(id)), Data: payload}
}

func statsResponse(t *testing.T, id stats.DeviceID, xid uint32) []byte {
	t.Helper()
	b, err := wire.NewStatsResponse(id, 1, xid, "EmPOWER", nil,
		[]wire.DscpMapEntry{{Code: 46, Count: 10, AvgPacketSize: 200}}).MarshalBinary()
	require.NoError(t, err)
	return b
}

func statsRequest(t *testing.T, id stats.DeviceID, xid uint32) []byte {
	t.Helper()
	b, err := wire.NewStatsRequest(id, 1, xid, "EmPOWER").MarshalBinary()
	require.NoError(t, err)
	return b
}

// recorder counts handler invocations per device.
type recorder struct {
	mu    sync.Mutex
	calls map[stats.DeviceID]int
}

func (r *recorder) handle(id stats.DeviceID, _ []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[stats.DeviceID]int)
	}
	r.calls[id]++
}

func (r *recorder) count(id stats.DeviceID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func TestDeviceFromSubject(t *testing.T) {
	t.Parallel()
	want, err := stats.ParseDeviceID("00:0d:b9:2f:56:64")
	require.NoError(t, err)

	got, err := deviceFromSubject("empower.wtp.000db92f5664.up")
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, "000db92f5664", subjectID(want))

	for _, subject := range []string{
		"up",
		"empower.wtp.zz0db92f5664.up",
		"empower.wtp.000db92f56.up",
	} {
		_, err := deviceFromSubject(subject)
		require.Error(t, err, subject)
	}
}

func TestNATSTransport_Downlink(t *testing.T) {
	t.Parallel()
	tr := &NATSTransport{prefix: "lab"}
	id := stats.DeviceID{0xaa, 0xbb, 0xcc, 0, 1, 2}
	require.Equal(t, "lab.wtp.aabbcc000102.down", tr.downlink(id))
}

func TestNATSTransport_DispatchByTransaction(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	tr := newTestTransport(conn, clockwork.NewFakeClock())
	rec := &recorder{}

	require.NoError(t, tr.Send(context.Background(), wtpA, wire.PTDscpStatsRequest, statsRequest(t, wtpA, 7), rec.handle))
	require.Equal(t, []string{"empower.wtp.000db92f5664.down"}, conn.published)
	require.Len(t, tr.pending, 1)

	// Same xid from another device, and another xid from the right device.
	tr.onUplink(uplink(wtpB, statsResponse(t, wtpB, 7)))
	tr.onUplink(uplink(wtpA, statsResponse(t, wtpA, 8)))
	require.Equal(t, 0, rec.count(wtpA))
	require.Equal(t, 0, rec.count(wtpB))
	require.Len(t, tr.pending, 1)

	tr.onUplink(uplink(wtpA, statsResponse(t, wtpA, 7)))
	require.Equal(t, 1, rec.count(wtpA))
	require.Empty(t, tr.pending)

	// A duplicate reply finds no pending call.
	tr.onUplink(uplink(wtpA, statsResponse(t, wtpA, 7)))
	require.Equal(t, 1, rec.count(wtpA))
}

func TestNATSTransport_RejectsUnknownType(t *testing.T) {
	t.Parallel()
	tr := newTestTransport(&fakeConn{}, clockwork.NewFakeClock())
	rec := &recorder{}
	require.NoError(t, tr.Send(context.Background(), wtpA, wire.PTDscpStatsRequest, statsRequest(t, wtpA, 3), rec.handle))

	push, err := wire.NewRulePush(wtpA, 1, 3, 184, wire.MatchDscp(46)).MarshalBinary()
	require.NoError(t, err)
	tr.onUplink(uplink(wtpA, push))
	tr.onUplink(uplink(wtpA, statsRequest(t, wtpA, 3)))
	tr.onUplink(uplink(wtpA, []byte{0x02, 0x8e}))

	require.Equal(t, 0, rec.count(wtpA))
	require.Len(t, tr.pending, 1)
}

func TestNATSTransport_ByeClearsPending(t *testing.T) {
	t.Parallel()
	tr := newTestTransport(&fakeConn{}, clockwork.NewFakeClock())
	rec := &recorder{}
	ctx := context.Background()
	require.NoError(t, tr.Send(ctx, wtpA, wire.PTDscpStatsRequest, statsRequest(t, wtpA, 1), rec.handle))
	require.NoError(t, tr.Send(ctx, wtpB, wire.PTDscpStatsRequest, statsRequest(t, wtpB, 2), rec.handle))

	tr.onBye(&nats.Msg{Data: []byte("00:0d:b9:2f:56:64\n")})
	require.False(t, tr.Connected(wtpA))
	require.True(t, tr.Connected(wtpB))
	require.Len(t, tr.pending, 1)

	tr.onUplink(uplink(wtpA, statsResponse(t, wtpA, 1)))
	require.Equal(t, 0, rec.count(wtpA))
	require.ErrorIs(t, tr.Send(ctx, wtpA, wire.PTDscpStatsRequest, statsRequest(t, wtpA, 4), rec.handle), ErrNotConnected)

	tr.onHello(&nats.Msg{Data: []byte("00:0d:b9:2f:56:64")})
	require.True(t, tr.Connected(wtpA))
	require.ElementsMatch(t, []stats.DeviceID{wtpA, wtpB}, tr.Devices())
}

func TestNATSTransport_PendingExpires(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	tr := newTestTransport(&fakeConn{}, clock)
	rec := &recorder{}
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, wtpA, wire.PTDscpStatsRequest, statsRequest(t, wtpA, 1), rec.handle))
	clock.Advance(31 * time.Second)
	require.NoError(t, tr.Send(ctx, wtpB, wire.PTDscpStatsRequest, statsRequest(t, wtpB, 2), rec.handle))

	require.Len(t, tr.pending, 1)
	tr.onUplink(uplink(wtpA, statsResponse(t, wtpA, 1)))
	require.Equal(t, 0, rec.count(wtpA))
	tr.onUplink(uplink(wtpB, statsResponse(t, wtpB, 2)))
	require.Equal(t, 1, rec.count(wtpB))
}

func TestNATSTransport_FailedPublishDropsPending(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	tr := newTestTransport(conn, clockwork.NewFakeClock())
	rec := &recorder{}

	err := tr.Send(context.Background(), wtpA, wire.PTDscpStatsRequest, statsRequest(t, wtpA, 9), rec.handle)
	require.Error(t, err)
	require.Empty(t, tr.pending)

	// A reply that still arrives for that xid is unsolicited.
	tr.onUplink(uplink(wtpA, statsResponse(t, wtpA, 9)))
	require.Equal(t, 0, rec.count(wtpA))
}

func TestNATSTransport_SendWithoutHandler(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	tr := newTestTransport(conn, clockwork.NewFakeClock())

	push, err := wire.NewRulePush(wtpB, 1, 5, 184, wire.MatchDscp(46)).MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, tr.Send(context.Background(), wtpB, wire.PTTrafficRulePush, push, nil))
	require.Equal(t, []string{"empower.wtp.000db92f5665.down"}, conn.published)
	require.Empty(t, tr.pending)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tr.Send(ctx, wtpB, wire.PTTrafficRulePush, push, nil), context.Canceled)
}
