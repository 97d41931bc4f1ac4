package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/trustlines-network/ethindexer/internal/syncerr"
)

// SupervisorBackoff is the fixed pause between restart attempts.
const SupervisorBackoff = 10 * time.Second

// Dial reconstructs the store connection, RPC client and Synchronizer from
// scratch — the supervisor calls this again on every restart so a stale
// connection is never reused.
type Dial func() (*Synchronizer, error)

// RunSupervised runs dial's Synchronizer under an always-restart loop for
// connection/transient failures and syncerr.ChainReorgMidFetch. Context
// cancellation stops the loop cleanly. syncerr.NoAbisAvailable and
// syncerr.InvariantViolation are not retried: the former is a configuration
// error (nothing will change about the ABI registry by waiting), the latter
// indicates a bug in the state machine itself — both are returned to the
// caller immediately instead of looping forever.
func RunSupervised(ctx context.Context, dial Dial) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sync, err := dial()
		if err != nil {
			log.Error().Err(err).Msg("failed to initialize synchronizer, retrying")
			if !sleep(ctx, SupervisorBackoff) {
				return ctx.Err()
			}
			continue
		}

		runErr := sync.Run(ctx)
		sync.Close()

		if runErr == nil || errors.Is(runErr, context.Canceled) {
			return runErr
		}
		if errors.Is(runErr, syncerr.NoAbisAvailable) || errors.Is(runErr, syncerr.InvariantViolation) {
			log.Error().Err(runErr).Msg("synchronizer hit a fatal error, not retrying")
			return runErr
		}

		log.Error().Err(runErr).Msg("synchronizer failed, restarting from scratch")
		if !sleep(ctx, SupervisorBackoff) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
