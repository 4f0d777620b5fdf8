// Package errs collects the sentinel error kinds named in the design's
// error-handling section so callers can branch with errors.Is instead of
// string matching (the source's "reason" strings are replaced by these).
package errs

import "errors"

var (
	ErrTransportTimeout     = errors.New("transport timeout")
	ErrTransportUnreachable = errors.New("transport unreachable")
	ErrSchemaInvalid        = errors.New("schema invalid")
	ErrSignatureInvalid     = errors.New("signature invalid")
	ErrQuorumFailed         = errors.New("quorum failed")
	ErrHeightMismatch       = errors.New("height mismatch")
	ErrHashMismatch         = errors.New("hash mismatch")
	ErrDuplicateHeight      = errors.New("duplicate height")
	ErrKeyUnavailable       = errors.New("key unavailable")
	ErrStoreCorrupt         = errors.New("store corrupt")
	ErrLeaderUnknown        = errors.New("leader unknown")
	ErrChannelUnknown       = errors.New("channel unknown")
	ErrScoreUnavailable     = errors.New("score service unavailable")
	ErrCancelled            = errors.New("cancelled")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyOpen          = errors.New("candidate already open")
)
