package base

import (
	"github.com/pkg/errors"
)

// Sentinel errors returned across the DCP engine's external surface.
// Kept as package-level vars, matched against with errors.Is/errors.Cause
// rather than string comparison, mirroring the wider engine's error style.
var (
	ErrKeyEExists        = errors.New("key already exists")
	ErrInvalidVBUUID     = errors.New("vb_uuid does not match the producer's current failover epoch")
	ErrInvalidStateEntry = errors.New("invalid stream state transition")
	ErrStreamClosed      = errors.New("stream is dead")
	ErrBufferFull        = errors.New("buffer is full")
	ErrNotMyVbucket      = errors.New("not my vbucket")
	ErrNilConnection     = errors.New("connection handle resolved to nothing; already torn down")
	ErrScanFailed        = errors.New("backfill scan failed")
)

// Wrap annotates err with a message while preserving the original cause,
// so callers further up can still match with errors.Is against a sentinel.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}
