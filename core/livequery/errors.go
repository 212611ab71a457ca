package livequery

import "errors"

// Sentinel errors the coordinator wraps with fmt.Errorf's %w, inspectable
// via errors.Is/errors.As.
var (
	// ErrMissingSource is returned by CreateLiveQueryCollection when the
	// sources map has no entry for one of the compiled query's base
	// aliases.
	ErrMissingSource = errors.New("livequery: missing source for alias")

	// ErrResultInvariant is returned when a terminal batch's consolidated
	// deltas for one result key do not reduce to one of the insert/
	// update/delete shapes the coordinator knows how to translate into a
	// collection.Change. Surfacing this as an error (rather than silently
	// dropping the offending key) is deliberate: it means either an
	// operator upstream violated the paired-delta contract, or two
	// distinct source rows collided on the same result key.
	ErrResultInvariant = errors.New("livequery: result batch violates the insert/update/delete invariant")

	// ErrDisposed names the coordinator's disposed state. No Coordinator
	// method returns it: change batches arriving after Dispose are ignored
	// silently.
	ErrDisposed = errors.New("livequery: coordinator disposed")
)
