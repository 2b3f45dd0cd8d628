package domain

import "context"

// ChannelStore is the durable home of channel state (spec §4.2).
type ChannelStore interface {
	// Init creates the backing schema idempotently.
	Init(ctx context.Context) error
	// LoadAll returns every persisted channel keyed by lowercase 0x-hex
	// channel id. Rows with unparseable fields are skipped (logged by the
	// implementation), never resurrected as zero-valued channels — see DESIGN.md
	// "Partial load parsing".
	LoadAll(ctx context.Context) (map[string]ChannelState, error)
	// Save upserts the channel row and its full recipient set atomically.
	Save(ctx context.Context, ch ChannelState) error
}

// AuditStore persists an append-only log of accepted vouchers. Purely
// observational — never consulted by the voucher engine.
type AuditStore interface {
	LogSettle(ctx context.Context, channelID string, sequenceNumber uint64, receiver, amount, purpose string) error
}

// Archiver mirrors a finalized channel's last voucher to cold storage.
type Archiver interface {
	ArchiveFinalizedChannel(ctx context.Context, channelID string, view ChannelView, txHash string) error
}

// RateLimiter enforces a request budget per key over a window of
// windowSeconds (ratelimit.Limiter uses a fixed window).
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, windowSeconds int64) (bool, error)
}

// ChannelEventPublisher broadcasts a channel-state-changed event to any
// connected live watchers (spec §4.6 enrichment, additive only).
type ChannelEventPublisher interface {
	PublishChannelUpdate(ctx context.Context, channelID string, sequenceNumber uint64) error
}
