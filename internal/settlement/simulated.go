package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Simulated is a Settler that confirms transfers locally, producing a
// deterministic proof-hash reference. It stands in for the real chain in
// development and tests.
type Simulated struct {
	// Delay imitates network latency; zero means immediate.
	Delay time.Duration
	// FailWith, when non-empty, makes every call fail with this reason.
	FailWith string
}

// Settle returns a confirmed result with a proof hash over the transfer
// parameters, or the configured failure.
func (s *Simulated) Settle(ctx context.Context, userID, walletRef string, amount int64) (*Result, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if s.FailWith != "" {
		return &Result{Success: false, Reason: s.FailWith}, nil
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d", userID, walletRef, amount, time.Now().UnixNano())))
	ref := "sim-" + hex.EncodeToString(sum[:8])

	log.Info().
		Str("user_id", userID).
		Str("wallet_ref", walletRef).
		Int64("amount", amount).
		Str("external_ref", ref).
		Msg("Simulated settlement confirmed")

	return &Result{Success: true, ExternalRef: ref}, nil
}
