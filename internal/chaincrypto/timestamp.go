package chaincrypto

import (
	"fmt"
	"time"

	"github.com/streamchannel/sequencer/internal/domain"
)

// MaxFutureSkew is how far a voucher's signed timestamp is allowed to sit
// ahead of the sequencer's wall clock before it's rejected (spec §4.1) —
// generous enough to absorb ordinary clock drift between the client and the
// sequencer without opening a meaningful replay window.
const MaxFutureSkew = 900 * time.Second

// ValidateTimestamp checks a voucher's signed timestamp against the
// sequencer's own clock and the channel's expiry, in that order.
//
//   - timestampSeconds more than MaxFutureSkew ahead of now:
//     domain.ErrInternal ("timestamp too far in the future").
//   - timestampSeconds > expiryTs: domain.ErrChannelExpired.
//
// A zero now (clock unavailable) is treated as Unix time 0, so the
// future-drift check still applies conservatively rather than being
// skipped.
func ValidateTimestamp(now time.Time, timestampSeconds, expiryTs uint64) error {
	var nowUnix uint64
	if !now.IsZero() {
		nowUnix = uint64(now.Unix())
	}

	if timestampSeconds > nowUnix+uint64(MaxFutureSkew.Seconds()) {
		return fmt.Errorf("%w: timestamp too far in the future", domain.ErrInternal)
	}

	if timestampSeconds > expiryTs {
		return fmt.Errorf("%w: timestamp %d exceeds channel expiry %d", domain.ErrChannelExpired, timestampSeconds, expiryTs)
	}

	return nil
}
