package dcp

import (
	"sync"

	"github.com/owendCB/ep-engine/base"
	"github.com/owendCB/ep-engine/log"
)

// vbShard is one lock-striped bucket of the vbucket->consumer index.
// Sharding the index rather than guarding it with one global mutex keeps
// vbucket_state_changed notifications (which fan out across many vbuckets
// concurrently during a rebalance) from serializing on a single lock.
type vbShard struct {
	mu    sync.RWMutex
	owner map[uint16]*Consumer
}

// ConnectionMap is the top-level registry: every Producer and Consumer the
// engine knows about, plus the per-vbucket passive-stream ownership index
// and the shared backfill admission ceiling. It owns the connections;
// background tasks (CheckpointProcessor, the idle reaper) hold only
// non-owning references resolved back through this map under its locks, so
// there is never a dangling pointer into a torn-down connection.
type ConnectionMap struct {
	mu        sync.RWMutex
	producers map[string]*Producer
	consumers map[string]*Consumer

	shards    []vbShard
	admission *base.AdmissionCounter
	cfg       *base.Config
	logger    *log.CommonLogger
}

// NewConnectionMap builds an empty registry sized per cfg (or engine
// defaults if cfg is nil).
func NewConnectionMap(cfg *base.Config, logger *log.CommonLogger) *ConnectionMap {
	if cfg == nil {
		cfg = base.NewDefaultConfig()
	}
	shardCount := cfg.VBConnLockNum
	if shardCount <= 0 {
		shardCount = base.DefaultVBConnLockNum
	}
	shards := make([]vbShard, shardCount)
	for i := range shards {
		shards[i].owner = make(map[uint16]*Consumer)
	}
	admissionMax := cfg.NumBackfillsThreshold
	if cfg.MaxDataSize > 0 {
		admissionMax = clampInt(int(float64(cfg.MaxDataSize)*cfg.NumBackfillsMemThresholdPercent/float64(nonZero(cfg.DbFileMem))), 1, cfg.NumBackfillsThreshold)
	}
	return &ConnectionMap{
		producers: make(map[string]*Producer),
		consumers: make(map[string]*Consumer),
		shards:    shards,
		admission: base.NewAdmissionCounter(admissionMax),
		cfg:       cfg,
		logger:    logger,
	}
}

func nonZero(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (m *ConnectionMap) shardFor(vb uint16) *vbShard {
	return &m.shards[int(vb)%len(m.shards)]
}

// NewProducerConnection registers a fresh Producer under name, tearing down
// and replacing any prior connection of the same name (a reconnect under
// the same logical name always supersedes the stale one).
func (m *ConnectionMap) NewProducerConnection(name string) *Producer {
	p := NewProducer(name, m.cfg, m.admission, m.logger)
	m.mu.Lock()
	if old, ok := m.producers[name]; ok {
		old.CloseAllStreams(EndStreamDisconnected)
		old.processor.Stop()
	}
	m.producers[name] = p
	m.mu.Unlock()
	go p.processor.Run()
	return p
}

// NewConsumerConnection registers a fresh Consumer under name.
func (m *ConnectionMap) NewConsumerConnection(name string) *Consumer {
	c := NewConsumer(name, m.logger)
	m.mu.Lock()
	if old, ok := m.consumers[name]; ok {
		m.closeConsumerLocked(old)
	}
	m.consumers[name] = c
	m.mu.Unlock()
	return c
}

// AddPassiveStream enforces I6 - at most one live passive stream per
// vbucket across the whole map, not just within one consumer connection -
// before installing s on c.
func (m *ConnectionMap) AddPassiveStream(c *Consumer, vb uint16, s *PassiveStream) error {
	shard := m.shardFor(vb)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if owner, ok := shard.owner[vb]; ok && owner != c {
		if existing, found := owner.StreamFor(vb); found && existing.IsActive() {
			return base.ErrKeyEExists
		}
	}
	if err := c.AddStream(vb, s); err != nil {
		return err
	}
	shard.owner[vb] = c
	return nil
}

// TryAdmitBackfill reserves one slot in the shared admission ceiling (P6).
// Callers must Release the slot when the backfill scan completes or errors.
func (m *ConnectionMap) TryAdmitBackfill() bool { return m.admission.TryAcquire() }

func (m *ConnectionMap) ReleaseBackfill() { m.admission.Release() }

// UpdateBackfillCeiling recomputes the admission ceiling, e.g. after the
// bucket's memory quota changes.
func (m *ConnectionMap) UpdateBackfillCeiling(maxDataSize uint64) {
	m.admission.UpdateMax(maxDataSize, m.cfg.NumBackfillsMemThresholdPercent, m.cfg.DbFileMem, m.cfg.NumBackfillsThreshold)
}

// VBucketStateChanged notifies whichever producer is streaming vb (if any)
// that the source vbucket's role changed locally, ending that stream, always.
// It only tears down a consumer's passive stream accepting into vb when
// closeInbound is set - e.g. a local vbucket demoted to replica still needs
// to keep accepting a replication stream from the new active, so closeInbound
// is false there; a vbucket actually being deleted sets it true. The teardown
// runs under the same shard lock used by AddPassiveStream so the two can
// never race each other.
func (m *ConnectionMap) VBucketStateChanged(vb uint16, newState VBucketState, closeInbound bool) {
	m.mu.RLock()
	for _, p := range m.producers {
		if s, ok := p.StreamFor(vb); ok {
			if as, isActive := s.(*ActiveStream); isActive {
				as.VBucketStateChanged()
			} else {
				s.SetDead(EndStreamState)
			}
		}
	}
	m.mu.RUnlock()

	if !closeInbound {
		return
	}

	shard := m.shardFor(vb)
	shard.mu.Lock()
	if owner, ok := shard.owner[vb]; ok {
		if s, found := owner.StreamFor(vb); found {
			s.SetDead(EndStreamState)
		}
		delete(shard.owner, vb)
	}
	shard.mu.Unlock()
}

// NotifyVBConnections wakes every producer streaming vb, e.g. after a
// mutation is queued into the checkpoint at seqno.
func (m *ConnectionMap) NotifyVBConnections(vb uint16, seqno uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.producers {
		p.NotifyVBConnection(vb, seqno)
	}
}

// CloseSlowStream tears down a producer's stream for vb with reason SLOW,
// e.g. when the transport layer detects the consumer has stopped reading
// and ready_q has grown past its byte ceiling.
func (m *ConnectionMap) CloseSlowStream(producerName string, vb uint16) {
	m.mu.RLock()
	p, ok := m.producers[producerName]
	m.mu.RUnlock()
	if !ok {
		return
	}
	p.CloseStream(vb, EndStreamSlow)
}

// Disconnect tears down the named producer or consumer connection and, for
// a consumer, releases its shard-index ownership of every vbucket it held.
func (m *ConnectionMap) Disconnect(name string) {
	m.mu.Lock()
	if p, ok := m.producers[name]; ok {
		delete(m.producers, name)
		m.mu.Unlock()
		p.CloseAllStreams(EndStreamDisconnected)
		p.processor.Stop()
		return
	}
	if c, ok := m.consumers[name]; ok {
		delete(m.consumers, name)
		m.mu.Unlock()
		m.closeConsumerLocked(c)
		return
	}
	m.mu.Unlock()
}

// closeConsumerLocked tears down c's streams and releases its shard-index
// ownership. Must be called without m.mu held (it only needs shard locks).
func (m *ConnectionMap) closeConsumerLocked(c *Consumer) {
	vbs := c.CloseAllStreams(EndStreamDisconnected)
	for _, vb := range vbs {
		shard := m.shardFor(vb)
		shard.mu.Lock()
		if shard.owner[vb] == c {
			delete(shard.owner, vb)
		}
		shard.mu.Unlock()
	}
}

// ManageConnections runs one idle-reaping pass: any connection that has
// exceeded MaxIdleTime while not paused (i.e. it has work it isn't being
// given a chance to send) is marked for disconnect and torn down. Intended
// to be called periodically by the transport layer's own ticker, mirroring
// DcpConnMap::manageConnections.
func (m *ConnectionMap) ManageConnections() {
	maxIdle := m.cfg.MaxIdleTime
	if maxIdle <= 0 {
		maxIdle = base.DefaultMaxIdleTime
	}

	var stale []string
	m.mu.RLock()
	for name, p := range m.producers {
		if p.NoopEnabled() {
			continue
		}
		if !p.IsPaused() && p.idleSince() > maxIdle {
			stale = append(stale, name)
		}
	}
	for name, c := range m.consumers {
		if c.idleSince() > maxIdle {
			stale = append(stale, name)
		}
	}
	m.mu.RUnlock()

	for _, name := range stale {
		m.logger.Warnf("connection %s idle past %s, disconnecting", name, maxIdle)
		m.Disconnect(name)
	}
}

// ShutdownAllConnections tears every connection in the map down; used on
// engine shutdown.
func (m *ConnectionMap) ShutdownAllConnections() {
	m.mu.Lock()
	producers := m.producers
	consumers := m.consumers
	m.producers = make(map[string]*Producer)
	m.consumers = make(map[string]*Consumer)
	m.mu.Unlock()

	for _, p := range producers {
		p.CloseAllStreams(EndStreamDisconnected)
		p.processor.Stop()
	}
	for _, c := range consumers {
		m.closeConsumerLocked(c)
	}
}

func (m *ConnectionMap) AddStats(sink base.StatSink) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sink.SetGauge("connmap:producers", int64(len(m.producers)))
	sink.SetGauge("connmap:consumers", int64(len(m.consumers)))
	sink.SetGauge("connmap:backfills_active", int64(m.admission.Active()))
	sink.SetGauge("connmap:backfills_max", int64(m.admission.Max()))
	for _, p := range m.producers {
		p.AddStats(sink)
	}
	for _, c := range m.consumers {
		c.AddStats(sink)
	}
}
