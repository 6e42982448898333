package base

import "time"

// Config holds the DCP engine's tunables. All of them map directly to the
// configuration knobs enumerated by the engine's bootstrap/config layer;
// this package only consumes the resolved values, it never parses config
// files or flags itself.
type Config struct {
	// DcpMinCompressionRatio: below this ratio (original/compressed), an
	// ActiveStream sends the mutation's value uncompressed rather than pay
	// the inflate cost on a consumer that gains little from it.
	DcpMinCompressionRatio float64

	// DcpProducerSnapshotMarkerYieldLimit bounds how many streams the
	// CheckpointProcessor drains per pass before it reschedules itself.
	DcpProducerSnapshotMarkerYieldLimit int

	// MaxDataSize, DbFileMem, NumBackfillsThreshold and
	// NumBackfillsMemThresholdPercent feed the backfill admission formula:
	// max = clamp(MaxDataSize * NumBackfillsMemThresholdPercent / DbFileMem, 1, NumBackfillsThreshold).
	MaxDataSize                     uint64
	DbFileMem                       uint64
	NumBackfillsThreshold            int
	NumBackfillsMemThresholdPercent float64

	// TakeoverSendMaxTime bounds how long an ActiveStream may sit in
	// TAKEOVER_WAIT waiting for the final ack before it is ended as SLOW.
	TakeoverSendMaxTime time.Duration

	// MaxIdleTime is how long a connection may go without activity before
	// ConnectionMap.ManageConnections disconnects it: an unpaused producer
	// that has not negotiated noop, or any consumer. Paused producers are
	// neither disconnected nor woken by the reaper. Defaults to 5s.
	MaxIdleTime time.Duration

	// VBConnLockNum is the shard count for the per-vbucket connection
	// index spinlocks. Should be a power of two.
	VBConnLockNum int

	// MaxPassiveStreamBufferBytes bounds how much unapplied wire data a
	// PassiveStream will hold before MessageReceived starts returning
	// MessageTmpfail. Zero means DefaultMaxPassiveStreamBufferBytes.
	MaxPassiveStreamBufferBytes uint64
}

const (
	DefaultNumBackfillsThreshold            = 4096
	DefaultNumBackfillsMemThresholdPercent  = 0.01
	DefaultDbFileMem                        = 10 * 1024
	DefaultMaxIdleTime                      = 5 * time.Second
	DefaultTakeoverSendMaxTime              = 60 * time.Second
	DefaultSnapshotMarkerYieldLimit         = 10
	DefaultVBConnLockNum                    = 32
	DefaultMaxPassiveStreamBufferBytes      = 2 * 1024 * 1024
)

func NewDefaultConfig() *Config {
	return &Config{
		DcpMinCompressionRatio:              1.2,
		DcpProducerSnapshotMarkerYieldLimit: DefaultSnapshotMarkerYieldLimit,
		DbFileMem:                           DefaultDbFileMem,
		NumBackfillsThreshold:               DefaultNumBackfillsThreshold,
		NumBackfillsMemThresholdPercent:     DefaultNumBackfillsMemThresholdPercent,
		TakeoverSendMaxTime:                 DefaultTakeoverSendMaxTime,
		MaxIdleTime:                         DefaultMaxIdleTime,
		VBConnLockNum:                       DefaultVBConnLockNum,
		MaxPassiveStreamBufferBytes:         DefaultMaxPassiveStreamBufferBytes,
	}
}
