package dcp

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/owendCB/ep-engine/base"
	"github.com/owendCB/ep-engine/log"
)

// ConnectionType distinguishes a producer (source of streams) from a
// consumer (sink of streams) connection.
type ConnectionType int

const (
	ConnTypeProducer ConnectionType = iota
	ConnTypeConsumer
)

// Connection is the shared identity and bookkeeping every producer or
// consumer connection carries, mirroring DcpConnMap's base connection
// record. It never performs socket I/O; the transport layer owns the
// physical connection and calls into these methods.
type Connection struct {
	name   string
	connID string
	typ    ConnectionType

	mu          sync.Mutex
	lastActive  time.Time
	paused      *base.AtomicBoolean
	disconnect  *base.AtomicBoolean

	logger *log.CommonLogger
}

func newConnection(name string, typ ConnectionType, logger *log.CommonLogger) Connection {
	return Connection{
		name:       name,
		connID:     uuid.NewString(),
		typ:        typ,
		lastActive: time.Now(),
		paused:     base.NewAtomicBoolean(false),
		disconnect: base.NewAtomicBoolean(false),
		logger:     logger,
	}
}

func (c *Connection) Name() string         { return c.name }
func (c *Connection) ID() string           { return c.connID }
func (c *Connection) Type() ConnectionType { return c.typ }

// touch records activity for the idle reaper.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActive = time.Now()
	c.mu.Unlock()
}

func (c *Connection) idleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive)
}

// Pause marks the connection as having nothing to send; the reaper uses
// this to decide whether idleness is expected (paused, nothing to do) or a
// stall (unpaused, yet idle past MaxIdleTime) worth closing.
func (c *Connection) Pause()    { c.paused.Set(true) }
func (c *Connection) Unpause()  { c.paused.Set(false); c.touch() }
func (c *Connection) IsPaused() bool { return c.paused.Get() }

func (c *Connection) MarkForDisconnect() { c.disconnect.Set(true) }
func (c *Connection) ShouldDisconnect() bool { return c.disconnect.Get() }

// Producer owns every ActiveStream and NotifierStream opened over one
// connection, plus the CheckpointProcessor shared by its ActiveStreams.
type Producer struct {
	Connection

	mu      sync.RWMutex
	streams map[uint16]Stream

	processor *CheckpointProcessor
	admission *base.AdmissionCounter

	noopEnabled bool
}

// NewProducer constructs a Producer with its own CheckpointProcessor
// goroutine; callers must arrange for Run to be started and Stop called on
// teardown (ConnectionMap does this).
func NewProducer(name string, cfg *base.Config, admission *base.AdmissionCounter, logger *log.CommonLogger) *Producer {
	yieldLimit := base.DefaultSnapshotMarkerYieldLimit
	if cfg != nil {
		yieldLimit = cfg.DcpProducerSnapshotMarkerYieldLimit
	}
	return &Producer{
		Connection: newConnection(name, ConnTypeProducer, logger),
		streams:    make(map[uint16]Stream),
		processor:  NewCheckpointProcessor(yieldLimit, logger),
		admission:  admission,
	}
}

// OpenStream installs an ActiveStream or NotifierStream for vb, replacing
// any prior stream for that vbucket (a second DCP_STREAM_REQ for the same
// vbucket always supersedes the first, matching the producer's one stream
// per vbucket contract).
func (p *Producer) OpenStream(vb uint16, s Stream) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.streams[vb]; ok {
		old.SetDead(EndStreamClosed)
	}
	p.streams[vb] = s
}

func (p *Producer) StreamFor(vb uint16) (Stream, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.streams[vb]
	return s, ok
}

func (p *Producer) CloseStream(vb uint16, reason EndStreamStatus) int {
	p.mu.Lock()
	s, ok := p.streams[vb]
	if ok {
		delete(p.streams, vb)
	}
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return s.SetDead(reason)
}

// NotifyVBConnection wakes the stream owning vb, if any, without taking any
// lock the stream itself needs (NotifySeqnoAvailable is lock-free-friendly
// by design).
func (p *Producer) NotifyVBConnection(vb uint16, seqno uint64) {
	p.mu.RLock()
	s, ok := p.streams[vb]
	p.mu.RUnlock()
	if ok {
		s.NotifySeqnoAvailable(seqno)
		p.Unpause()
	}
}

// Step drains exactly one ready response round-robin-free: callers
// (transport layer) loop vbuckets themselves; Step just tries the given
// vbucket's stream once. Returns nil if nothing is ready.
func (p *Producer) Step(vb uint16) Response {
	s, ok := p.StreamFor(vb)
	if !ok {
		return nil
	}
	resp := s.Next()
	if resp == nil {
		p.Pause()
	} else {
		p.touch()
	}
	return resp
}

// CloseAllStreams tears down every stream this producer owns, e.g. on
// disconnect; returns the vbuckets that were affected.
func (p *Producer) CloseAllStreams(reason EndStreamStatus) []uint16 {
	p.mu.Lock()
	vbs := make([]uint16, 0, len(p.streams))
	for vb, s := range p.streams {
		s.SetDead(reason)
		vbs = append(vbs, vb)
	}
	p.streams = make(map[uint16]Stream)
	p.mu.Unlock()
	return vbs
}

func (p *Producer) Processor() *CheckpointProcessor { return p.processor }

// SetNoopEnabled records whether this producer negotiated DCP_NOOP keepalive
// via DCP_CONTROL (the original's "enable_noop" control key). The core
// doesn't send the keepalive itself - that's the transport layer's job once
// idle - but it tracks the flag so ManageConnections can tell an idle,
// noop-enabled connection (expected, waiting on the wire layer's heartbeat)
// from one that never negotiated it (a real stall).
func (p *Producer) SetNoopEnabled(enabled bool) { p.noopEnabled = enabled }

func (p *Producer) NoopEnabled() bool { return p.noopEnabled }

func (p *Producer) AddStats(sink base.StatSink) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sink.SetGauge("producer:"+p.name+":streams", int64(len(p.streams)))
	sink.SetGauge("producer:"+p.name+":noop_enabled", boolToInt64(p.noopEnabled))
	for _, s := range p.streams {
		s.AddStats(sink)
	}
}

// Consumer owns every PassiveStream accepted over one connection.
type Consumer struct {
	Connection

	mu      sync.RWMutex
	streams map[uint16]*PassiveStream
}

func NewConsumer(name string, logger *log.CommonLogger) *Consumer {
	return &Consumer{
		Connection: newConnection(name, ConnTypeConsumer, logger),
		streams:    make(map[uint16]*PassiveStream),
	}
}

// AddStream enforces the one-passive-stream-per-vbucket invariant: a
// pre-existing, still-live stream for vb is rejected rather than silently
// replaced, since unlike a producer's active stream a second consumer-side
// open for the same vbucket usually signals a misbehaving caller rather
// than an intentional reopen.
func (c *Consumer) AddStream(vb uint16, s *PassiveStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.streams[vb]; ok && existing.IsActive() {
		return base.ErrKeyEExists
	}
	c.streams[vb] = s
	return nil
}

func (c *Consumer) StreamFor(vb uint16) (*PassiveStream, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[vb]
	return s, ok
}

func (c *Consumer) RemoveStream(vb uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streams, vb)
}

func (c *Consumer) CloseAllStreams(reason EndStreamStatus) []uint16 {
	c.mu.Lock()
	vbs := make([]uint16, 0, len(c.streams))
	for vb, s := range c.streams {
		s.SetDead(reason)
		vbs = append(vbs, vb)
	}
	c.streams = make(map[uint16]*PassiveStream)
	c.mu.Unlock()
	return vbs
}

func (c *Consumer) AddStats(sink base.StatSink) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sink.SetGauge("consumer:"+c.name+":streams", int64(len(c.streams)))
	for _, s := range c.streams {
		s.AddStats(sink)
	}
}
