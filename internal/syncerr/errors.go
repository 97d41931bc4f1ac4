// Package syncerr holds the small set of error conditions the synchronizer
// needs to distinguish from an ordinary, retryable I/O failure.
package syncerr

import "errors"

// ChainReorgMidFetch is returned by the fetcher when a block's hash no
// longer matches the hash recorded when its logs were first fetched within
// the same round — the chain reorganized while a round was in flight. The
// synchronizer aborts the round without committing and retries from the
// last confirmed cursor.
var ChainReorgMidFetch = errors.New("syncerr: chain reorganized while fetching block range")

// NoAbisAvailable is returned when a sync cursor has no ABI-registered
// addresses to track. A round with no addresses cannot make progress and is
// treated as a configuration error rather than a transient failure.
var NoAbisAvailable = errors.New("syncerr: no ABIs registered for this sync cursor")

// InvariantViolation marks a condition the system's design asserts can never
// happen in correct operation (e.g. a cursor's confirmed block number ahead
// of its head block number). Surfaced distinctly so the supervisor can log
// it loudly instead of silently retrying.
var InvariantViolation = errors.New("syncerr: invariant violation")
