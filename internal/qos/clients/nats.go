package clients

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/talkincode/toughqos/internal/qos/stats"
	"github.com/talkincode/toughqos/internal/qos/wire"
)

const defaultPendingTTL = 30 * time.Second

// NATSConfig holds the subject layout of the WTP bus.
type NATSConfig struct {
	URL        string
	Prefix     string        // subject prefix, default "empower"
	PendingTTL time.Duration // how long a response handler waits before it is dropped
}

// natsConn is the part of *nats.Conn used after the subscriptions are set up.
type natsConn interface {
	IsConnected() bool
	Publish(subject string, data []byte) error
	Drain() error
}

type pendingKey struct {
	device stats.DeviceID
	xid    uint32
}

type pendingCall struct {
	handler ResponseHandler
	sentAt  time.Time
}

// NATSTransport talks to WTP agents over NATS.
//
// Subjects, with <id> the lowercase hex MAC without separators:
//
//	<prefix>.wtp.<id>.down   controller -> WTP messages
//	<prefix>.wtp.<id>.up     WTP -> controller messages
//	<prefix>.hello / .bye    presence, payload is the WTP MAC
type NATSTransport struct {
	nc     natsConn
	subs   []*nats.Subscription
	prefix string
	ttl    time.Duration
	clock  clockwork.Clock

	mu      sync.Mutex
	devices map[stats.DeviceID]bool
	pending map[pendingKey]pendingCall
}

// NewNATSTransport connects and subscribes to the presence and uplink subjects.
func NewNATSTransport(cfg NATSConfig) (*NATSTransport, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "empower"
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultPendingTTL
	}
	nc, err := nats.Connect(cfg.URL, nats.Name("toughqos"))
	if err != nil {
		return nil, fmt.Errorf("nats connect failed: %w", err)
	}
	zap.L().Info("connected to NATS server", zap.String("namespace", "qos"), zap.String("url", cfg.URL))

	t := &NATSTransport{
		nc:      nc,
		prefix:  cfg.Prefix,
		ttl:     cfg.PendingTTL,
		clock:   clockwork.NewRealClock(),
		devices: make(map[stats.DeviceID]bool),
		pending: make(map[pendingKey]pendingCall),
	}

	handlers := map[string]nats.MsgHandler{
		t.prefix + ".hello":    t.onHello,
		t.prefix + ".bye":      t.onBye,
		t.prefix + ".wtp.*.up": t.onUplink,
	}
	for subject, h := range handlers {
		sub, err := nc.Subscribe(subject, h)
		if err != nil {
			t.Close()
			return nil, fmt.Errorf("subscribe %s failed: %w", subject, err)
		}
		t.subs = append(t.subs, sub)
	}
	return t, nil
}

func subjectID(id stats.DeviceID) string {
	return hex.EncodeToString(id[:])
}

func (t *NATSTransport) downlink(id stats.DeviceID) string {
	return fmt.Sprintf("%s.wtp.%s.down", t.prefix, subjectID(id))
}

// deviceFromSubject extracts the MAC token of <prefix>.wtp.<id>.up.
func deviceFromSubject(subject string) (stats.DeviceID, error) {
	var id stats.DeviceID
	tokens := strings.Split(subject, ".")
	if len(tokens) < 3 {
		return id, fmt.Errorf("unexpected subject %q", subject)
	}
	raw, err := hex.DecodeString(tokens[len(tokens)-2])
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("bad device token in subject %q", subject)
	}
	copy(id[:], raw)
	return id, nil
}

func (t *NATSTransport) onHello(msg *nats.Msg) {
	id, err := stats.ParseDeviceID(strings.TrimSpace(string(msg.Data)))
	if err != nil {
		zap.L().Warn("invalid WTP hello", zap.String("namespace", "qos"), zap.Error(err))
		return
	}
	t.mu.Lock()
	t.devices[id] = true
	t.mu.Unlock()
	zap.L().Info("WTP connected", zap.String("namespace", "qos"), zap.String("device", id.String()))
}

func (t *NATSTransport) onBye(msg *nats.Msg) {
	id, err := stats.ParseDeviceID(strings.TrimSpace(string(msg.Data)))
	if err != nil {
		zap.L().Warn("invalid WTP bye", zap.String("namespace", "qos"), zap.Error(err))
		return
	}
	t.mu.Lock()
	t.devices[id] = false
	for k := range t.pending {
		if k.device == id {
			delete(t.pending, k)
		}
	}
	t.mu.Unlock()
	zap.L().Info("WTP disconnected", zap.String("namespace", "qos"), zap.String("device", id.String()))
}

func (t *NATSTransport) onUplink(msg *nats.Msg) {
	id, err := deviceFromSubject(msg.Subject)
	if err != nil {
		zap.L().Warn("dropping uplink message", zap.String("namespace", "qos"), zap.Error(err))
		return
	}
	h, err := wire.PeekHeader(msg.Data)
	if err != nil {
		zap.L().Warn("dropping uplink message", zap.String("namespace", "qos"),
			zap.String("device", id.String()), zap.Error(err))
		return
	}
	if h.Type != wire.PTDscpStatsResponse {
		zap.L().Warn("unknown message type",
			zap.String("namespace", "qos"),
			zap.String("device", id.String()),
			zap.Uint8("type", h.Type),
		)
		return
	}

	key := pendingKey{device: id, xid: h.TransactionID}
	t.mu.Lock()
	t.devices[id] = true
	call, ok := t.pending[key]
	delete(t.pending, key)
	t.mu.Unlock()

	if !ok {
		zap.L().Debug("unsolicited response", zap.String("namespace", "qos"),
			zap.String("device", id.String()), zap.Uint32("xid", h.TransactionID))
		return
	}
	call.handler(id, msg.Data)
}

func (t *NATSTransport) Devices() []stats.DeviceID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]stats.DeviceID, 0, len(t.devices))
	for id := range t.devices {
		out = append(out, id)
	}
	return out
}

func (t *NATSTransport) Connected(id stats.DeviceID) bool {
	if !t.nc.IsConnected() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.devices[id]
}

func (t *NATSTransport) Send(ctx context.Context, id stats.DeviceID, msgType uint8, payload []byte, onResponse ResponseHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !t.Connected(id) {
		return ErrNotConnected
	}
	var key *pendingKey
	if onResponse != nil {
		h, err := wire.PeekHeader(payload)
		if err != nil {
			return err
		}
		key = &pendingKey{device: id, xid: h.TransactionID}
		t.addPending(*key, onResponse)
	}
	if err := t.nc.Publish(t.downlink(id), payload); err != nil {
		if key != nil {
			t.mu.Lock()
			delete(t.pending, *key)
			t.mu.Unlock()
		}
		return fmt.Errorf("publish type 0x%02x to %s failed: %w", msgType, id, err)
	}
	return nil
}

// addPending registers handler for key and drops calls older than the TTL.
func (t *NATSTransport) addPending(key pendingKey, handler ResponseHandler) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, c := range t.pending {
		if now.Sub(c.sentAt) > t.ttl {
			delete(t.pending, k)
		}
	}
	t.pending[key] = pendingCall{handler: handler, sentAt: now}
}

// Close unsubscribes and drains the connection.
func (t *NATSTransport) Close() error {
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	if t.nc != nil {
		return t.nc.Drain()
	}
	return nil
}
