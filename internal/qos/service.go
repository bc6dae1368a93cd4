package qos

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/jonboulle/clockwork"
	"github.com/panjf2000/ants/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/talkincode/toughqos/internal/domain"
	"github.com/talkincode/toughqos/internal/qos/classifier"
	"github.com/talkincode/toughqos/internal/qos/clients"
	"github.com/talkincode/toughqos/internal/qos/dedup"
	"github.com/talkincode/toughqos/internal/qos/quantum"
	"github.com/talkincode/toughqos/internal/qos/stats"
	"github.com/talkincode/toughqos/internal/qos/wire"
	"github.com/talkincode/toughqos/pkg/common"
	"github.com/talkincode/toughqos/pkg/metrics"
)

// Observer topics published on the service bus.
const (
	TopicStats    = "qos:stats"
	TopicDecision = "qos:decision"
)

const (
	DefaultEvery       = 2000 * time.Millisecond
	defaultPushWorkers = 16
)

// CycleState is the progress of one polling cycle.
type CycleState int

const (
	CycleCollecting CycleState = iota
	CycleReady
	CycleClassified
)

func (s CycleState) String() string {
	switch s {
	case CycleCollecting:
		return "collecting"
	case CycleReady:
		return "ready"
	case CycleClassified:
		return "classified"
	}
	return "unknown"
}

// Cycle is one round of statistics requests. Responses are bound to the cycle
// that requested them; only the current cycle can reach its barrier.
type Cycle struct {
	id  int64
	seq uint32

	// guarded by SlicingService.mu
	sending  bool
	expected int
	reported map[stats.DeviceID]struct{}
	state    CycleState
	timer    clockwork.Timer
}

func (c *Cycle) ID() int64   { return c.id }
func (c *Cycle) Seq() uint32 { return c.seq }

// StatsEvent is published on TopicStats after every processed response.
type StatsEvent struct {
	CycleID  int64
	Device   stats.DeviceID
	Snapshot stats.DeviceSnapshot
	Summary  stats.Summary
}

// DecisionEvent is published on TopicDecision once per classified cycle.
type DecisionEvent struct {
	CycleID  int64
	Seq      uint32
	Partial  bool // classified on deadline with devices missing
	Decision classifier.Decision
	Upserts  []quantum.Upsert
	Pushed   []classifier.TrafficRule
	Err      error
}

// Options configures a SlicingService. Zero values take the reference defaults.
type Options struct {
	SSID                string
	ActivationThreshold uint32
	IndividualThreshold uint32
	TotalQuantum        float64
	PriorityUnits       map[uint8]float64
	// CycleDeadline > 0 lets a cycle classify with the responses it has once
	// the deadline passes.
	CycleDeadline time.Duration
	PushWorkers   int
	Clock         clockwork.Clock
	Bus           EventBus.Bus
	Audit         AuditRepository
}

// SlicingService polls the WTPs for DSCP statistics, turns the network wide
// aggregate into shaping slices and pushes ToS rewrite rules back.
type SlicingService struct {
	transport  clients.DeviceTransport
	slices     clients.SliceManager
	classifier *classifier.Classifier
	allocator  *quantum.Allocator
	rules      *dedup.RuleTable
	store      *stats.Store
	bus        EventBus.Bus
	audit      AuditRepository
	pool       *ants.Pool
	clock      clockwork.Clock
	deadline   time.Duration
	ssid       string
	xid        uint32

	mu    sync.Mutex
	ctx   context.Context
	cur   *Cycle
	seq   uint32
	sched *cron.Cron
	entry cron.EntryID
}

// NewSlicingService creates the control loop. It does not poll until Start or RunCycle.
func NewSlicingService(transport clients.DeviceTransport, slices clients.SliceManager, opts Options) (*SlicingService, error) {
	if opts.ActivationThreshold == 0 && opts.IndividualThreshold == 0 {
		opts.ActivationThreshold = classifier.DefaultActivationThreshold
		opts.IndividualThreshold = classifier.DefaultIndividualThreshold
	}
	if opts.TotalQuantum == 0 {
		opts.TotalQuantum = quantum.DefaultTotalQuantum
	}
	if opts.PriorityUnits == nil {
		opts.PriorityUnits = quantum.DefaultUnits()
	}
	if opts.PushWorkers <= 0 {
		opts.PushWorkers = defaultPushWorkers
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Bus == nil {
		opts.Bus = EventBus.New()
	}

	cls, err := classifier.New(opts.ActivationThreshold, opts.IndividualThreshold)
	if err != nil {
		return nil, err
	}
	alloc, err := quantum.New(opts.TotalQuantum, opts.PriorityUnits, nil)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(opts.PushWorkers, ants.WithPanicHandler(func(p interface{}) {
		zap.L().Error("rule push panic", zap.String("namespace", "qos"), zap.Any("panic", p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create push pool: %w", err)
	}

	return &SlicingService{
		transport:  transport,
		slices:     slices,
		classifier: cls,
		allocator:  alloc,
		rules:      dedup.NewRuleTable(),
		store:      stats.NewStore(),
		bus:        opts.Bus,
		audit:      opts.Audit,
		pool:       pool,
		clock:      opts.Clock,
		deadline:   opts.CycleDeadline,
		ssid:       opts.SSID,
		ctx:        context.Background(),
	}, nil
}

// Bus returns the observer bus, subscribers receive StatsEvent and DecisionEvent values.
func (s *SlicingService) Bus() EventBus.Bus {
	return s.bus
}

// Start schedules RunCycle every interval on sched.
// interval: loop period, rounded by cron to whole seconds
func (s *SlicingService) Start(ctx context.Context, sched *cron.Cron, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultEvery
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sched != nil {
		return fmt.Errorf("slicing service already started")
	}
	s.ctx = ctx
	s.sched = sched
	s.entry = sched.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if _, err := s.RunCycle(ctx); err != nil {
			zap.L().Warn("slicing cycle not started", zap.String("namespace", "qos"), zap.Error(err))
		}
	}))

	zap.L().Info("QoS slicing service started",
		zap.String("namespace", "qos"),
		zap.Duration("every", interval),
		zap.String("ssid", s.ssid),
		zap.Duration("cycle_deadline", s.deadline),
	)
	return nil
}

// Stop unschedules the loop and releases the push workers.
func (s *SlicingService) Stop() {
	s.mu.Lock()
	if s.sched != nil {
		s.sched.Remove(s.entry)
		s.sched = nil
	}
	if s.cur != nil && s.cur.timer != nil {
		s.cur.timer.Stop()
	}
	s.mu.Unlock()

	s.pool.Release()
	zap.L().Info("QoS slicing service stopped", zap.String("namespace", "qos"))
}

func (s *SlicingService) nextXid() uint32 {
	return atomic.AddUint32(&s.xid, 1)
}

// RunCycle opens a new cycle and requests statistics from every connected
// device. The previous cycle, if still collecting, is abandoned.
func (s *SlicingService) RunCycle(ctx context.Context) (*Cycle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.cur != nil && s.cur.timer != nil {
		s.cur.timer.Stop()
	}
	s.seq++
	c := &Cycle{
		id:       common.UUIDint64(),
		seq:      s.seq,
		sending:  true,
		reported: make(map[stats.DeviceID]struct{}),
	}
	s.cur = c
	s.mu.Unlock()

	devices := s.transport.Devices()
	sort.Slice(devices, func(i, j int) bool { return bytes.Compare(devices[i][:], devices[j][:]) < 0 })

	handler := func(device stats.DeviceID, payload []byte) {
		s.HandleResponse(c, device, payload)
	}

	expected := 0
	for _, id := range devices {
		if !s.transport.Connected(id) {
			continue
		}
		payload, err := wire.NewStatsRequest(id, c.seq, s.nextXid(), s.ssid).MarshalBinary()
		if err != nil {
			return nil, err
		}
		if err := s.transport.Send(ctx, id, wire.PTDscpStatsRequest, payload, handler); err != nil {
			zap.L().Warn("stats request not sent",
				zap.String("namespace", "qos"),
				zap.String("device", id.String()),
				zap.Error(err),
			)
			continue
		}
		expected++
	}

	s.mu.Lock()
	c.sending = false
	c.expected = expected
	ready := s.barrierMet(c)
	if !ready && expected > 0 && s.deadline > 0 && c.state == CycleCollecting {
		c.timer = s.clock.AfterFunc(s.deadline, func() { s.expire(c) })
	}
	s.mu.Unlock()

	zap.L().Debug("stats requested",
		zap.String("namespace", "qos"),
		zap.Uint32("seq", c.seq),
		zap.Int("expected", expected),
	)
	if ready {
		s.decide(c, false)
	}
	return c, nil
}

// barrierMet moves c to Ready when every expected device reported. Caller holds s.mu.
func (s *SlicingService) barrierMet(c *Cycle) bool {
	if c != s.cur || c.state != CycleCollecting || c.sending || c.expected == 0 {
		return false
	}
	if len(c.reported) < c.expected {
		return false
	}
	c.state = CycleReady
	if c.timer != nil {
		c.timer.Stop()
	}
	return true
}

func (s *SlicingService) expire(c *Cycle) {
	s.mu.Lock()
	ready := c == s.cur && c.state == CycleCollecting && !c.sending
	if ready {
		c.state = CycleReady
	}
	reported, expected := len(c.reported), c.expected
	s.mu.Unlock()

	if !ready {
		return
	}
	zap.L().Warn("cycle deadline passed, classifying with partial reports",
		zap.String("namespace", "qos"),
		zap.Uint32("seq", c.seq),
		zap.Int("reported", reported),
		zap.Int("expected", expected),
	)
	s.decide(c, true)
}

// HandleResponse processes a statistics response requested by cycle c.
// Malformed payloads are dropped without touching the stored snapshot. A
// response for a cycle that is no longer current only refreshes the snapshot.
func (s *SlicingService) HandleResponse(c *Cycle, device stats.DeviceID, payload []byte) {
	var resp wire.StatsResponse
	if err := resp.UnmarshalBinary(payload); err != nil {
		zap.L().Warn("dropping stats response",
			zap.String("namespace", "qos"),
			zap.String("device", device.String()),
			zap.Error(err),
		)
		return
	}

	snap := stats.SnapshotFromResponse(&resp)
	s.store.Put(device, snap)
	s.writePoints(device, snap)

	s.mu.Lock()
	if c == s.cur && c.state == CycleCollecting {
		c.reported[device] = struct{}{}
	}
	ready := s.barrierMet(c)
	s.mu.Unlock()

	if ready {
		s.decide(c, false)
	}

	s.bus.Publish(TopicStats, StatsEvent{
		CycleID:  c.id,
		Device:   device,
		Snapshot: snap,
		Summary:  stats.Summarize(s.store.Snapshot()),
	})
}

func (s *SlicingService) writePoints(device stats.DeviceID, snap stats.DeviceSnapshot) {
	points := make([]metrics.Point, 0, 2*len(snap.DscpMap))
	for code, c := range snap.DscpMap {
		labels := map[string]string{"device": device.String(), "dscp": strconv.Itoa(int(code))}
		points = append(points,
			metrics.Point{Metric: "dscp_count", Labels: labels, Value: float64(c.Packets)},
			metrics.Point{Metric: "dscp_avg_packet_size", Labels: labels, Value: float64(c.AvgPacketSize)},
		)
	}
	if err := metrics.WritePoints(points); err != nil {
		zap.L().Debug("dscp points not stored", zap.String("namespace", "qos"), zap.Error(err))
	}
}

// decide runs once per cycle on the aggregate of every stored snapshot,
// including devices that did not answer this cycle.
func (s *SlicingService) decide(c *Cycle, partial bool) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	ev := DecisionEvent{CycleID: c.id, Seq: c.seq, Partial: partial}
	defer func() {
		s.mu.Lock()
		c.state = CycleClassified
		s.mu.Unlock()
		s.bus.Publish(TopicDecision, ev)
	}()

	ev.Decision = s.classifier.Classify(stats.Aggregate(s.store.Snapshot()))
	if len(ev.Decision.Slices) == 0 {
		// Nothing promoted: existing slices keep their quantum.
		metrics.SetGauge("qos_active_slices", 0)
		return
	}

	existing, err := s.slices.Slices(ctx)
	if err != nil {
		ev.Err = fmt.Errorf("list slices: %w", err)
		zap.L().Error("slicing decision failed", zap.String("namespace", "qos"), zap.Error(ev.Err))
		return
	}
	current := make(map[classifier.SliceID]float64, len(existing))
	for id, props := range existing {
		current[id] = props.Quantum
	}
	ev.Upserts, err = s.allocator.Allocate(ev.Decision.Slices, current)
	if err != nil {
		ev.Err = err
		zap.L().Error("quantum allocation failed", zap.String("namespace", "qos"), zap.Error(err))
		return
	}

	for _, u := range ev.Upserts {
		err := s.slices.UpsertSlice(ctx, u.Slice, clients.SliceProperties{Quantum: u.Quantum})
		s.logSlice(ctx, c, u, err)
		if err != nil {
			zap.L().Error("slice upsert failed",
				zap.String("namespace", "qos"),
				zap.Uint8("slice_id", uint8(u.Slice)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("slice updated",
			zap.String("namespace", "qos"),
			zap.Uint8("slice_id", uint8(u.Slice)),
			zap.Float64("quantum", u.Quantum),
			zap.Bool("created", u.Created),
		)
	}

	ev.Pushed = s.rules.Filter(ev.Decision.Rules)
	s.pushRules(ctx, c, ev.Pushed)

	metrics.SetGauge("qos_active_slices", int64(len(ev.Decision.Slices)))
	metrics.SetGauge("qos_rule_table", int64(s.rules.Len()))
}

// pushRules sends every rule to every connected device, one pool task per device.
// Delivery is best effort: a failed device is logged and skipped.
func (s *SlicingService) pushRules(ctx context.Context, c *Cycle, rules []classifier.TrafficRule) {
	if len(rules) == 0 {
		return
	}
	var devices []stats.DeviceID
	for _, id := range s.transport.Devices() {
		if s.transport.Connected(id) {
			devices = append(devices, id)
		}
	}

	failed := make([]int32, len(rules))
	var wg sync.WaitGroup
	for _, id := range devices {
		id := id
		task := func() {
			defer wg.Done()
			for i, r := range rules {
				if err := s.pushRule(ctx, c, id, r); err != nil {
					atomic.AddInt32(&failed[i], 1)
					zap.L().Warn("traffic rule push failed",
						zap.String("namespace", "qos"),
						zap.String("device", id.String()),
						zap.Uint8("dscp", r.Match.Dscp),
						zap.Error(err),
					)
				}
			}
		}
		wg.Add(1)
		if err := s.pool.Submit(task); err != nil {
			task()
		}
	}
	wg.Wait()

	for i, r := range rules {
		zap.L().Info("traffic rule pushed",
			zap.String("namespace", "qos"),
			zap.String("match", r.Match.String()),
			zap.Uint8("rewrite", r.Rewrite),
			zap.Int("devices", len(devices)),
			zap.Int32("failed", failed[i]),
		)
		s.logRule(ctx, c, r, len(devices), int(failed[i]))
	}
}

func (s *SlicingService) pushRule(ctx context.Context, c *Cycle, id stats.DeviceID, r classifier.TrafficRule) error {
	payload, err := wire.NewRulePush(id, c.seq, s.nextXid(), r.Rewrite, r.Match).MarshalBinary()
	if err != nil {
		return err
	}
	return s.transport.Send(ctx, id, wire.PTTrafficRulePush, payload, nil)
}

func (s *SlicingService) logSlice(ctx context.Context, c *Cycle, u quantum.Upsert, upsertErr error) {
	if s.audit == nil {
		return
	}
	log := &domain.QoSSliceLog{
		ID:         common.UUIDint64(),
		CycleID:    c.id,
		SliceID:    int(u.Slice),
		Quantum:    u.Quantum,
		Action:     "updated",
		Status:     "success",
		ExecutedAt: time.Now(),
	}
	if u.Created {
		log.Action = "created"
	}
	if upsertErr != nil {
		log.Status = "failure"
		log.ErrorMsg = upsertErr.Error()
	}
	if err := s.audit.CreateSliceLog(ctx, log); err != nil {
		zap.L().Warn("failed to create slice log", zap.String("namespace", "qos"), zap.Error(err))
	}
}

func (s *SlicingService) logRule(ctx context.Context, c *Cycle, r classifier.TrafficRule, devices, failed int) {
	if s.audit == nil {
		return
	}
	log := &domain.QoSRuleLog{
		ID:         common.UUIDint64(),
		CycleID:    c.id,
		Dscp:       int(r.Match.Dscp),
		Rewrite:    int(r.Rewrite),
		Match:      r.Match.String(),
		Devices:    devices,
		Failed:     failed,
		Status:     "success",
		ExecutedAt: time.Now(),
	}
	switch {
	case devices > 0 && failed == devices:
		log.Status = "failure"
	case failed > 0:
		log.Status = "partial"
	}
	if err := s.audit.CreateRuleLog(ctx, log); err != nil {
		zap.L().Warn("failed to create rule log", zap.String("namespace", "qos"), zap.Error(err))
	}
}

// CurrentCycle returns the cycle in progress, nil before the first RunCycle.
func (s *SlicingService) CurrentCycle() *Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// StateOf returns the state of c.
func (s *SlicingService) StateOf(c *Cycle) CycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.state
}

// Snapshots returns the last report of every device that ever answered.
func (s *SlicingService) Snapshots() map[stats.DeviceID]stats.DeviceSnapshot {
	return s.store.Snapshot()
}

// RuleCount is the number of matches with a rule in effect.
func (s *SlicingService) RuleCount() int {
	return s.rules.Len()
}

// CleanupAudit removes audit logs older than days.
func (s *SlicingService) CleanupAudit(ctx context.Context, days int) error {
	if s.audit == nil || days <= 0 {
		return nil
	}
	return s.audit.DeleteOlderThan(ctx, days)
}
