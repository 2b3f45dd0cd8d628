package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamchannel/sequencer/internal/domain"
)

// ChannelStore implements domain.ChannelStore using PostgreSQL: a
// pgxpool-backed store with explicit column lists that keeps addresses,
// hashes and uint256 values in TEXT columns (re-parsed into domain types on
// load) so the full uint256 range survives round-tripping.
type ChannelStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewChannelStore creates a new ChannelStore backed by the given pool.
func NewChannelStore(pool *pgxpool.Pool, logger *slog.Logger) *ChannelStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelStore{pool: pool, logger: logger.With(slog.String("component", "channel_store"))}
}

// Init applies the channels/channel_recipients schema via the shared
// migration runner. Callers typically hold a *Client and can call
// Client.RunMigrations directly; Init exists so ChannelStore alone
// satisfies domain.ChannelStore end to end in tests that construct it
// without a Client.
func (s *ChannelStore) Init(ctx context.Context) error {
	return (&Client{pool: s.pool}).RunMigrations(ctx)
}

const channelSelectCols = `channel_id, owner, balance, expiry_ts, sequence_number,
	user_signature, sequencer_signature, signature_timestamp`

// LoadAll returns every persisted channel keyed by lowercase 0x-hex channel
// id, with its recipients attached in position order. A row whose address,
// hash, or uint256 column fails to parse is logged and skipped rather than
// resurrected with a zero value (DESIGN.md "Partial load parsing").
func (s *ChannelStore) LoadAll(ctx context.Context) (map[string]domain.ChannelState, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+channelSelectCols+` FROM channels`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load channels: %w", err)
	}
	defer rows.Close()

	result := make(map[string]domain.ChannelState)

	for rows.Next() {
		var channelIDStr, ownerStr, balanceStr string
		var expiryTs, sequenceNumber uint64
		var userSig, sequencerSig string
		var sigTimestamp uint64

		if err := rows.Scan(&channelIDStr, &ownerStr, &balanceStr, &expiryTs, &sequenceNumber,
			&userSig, &sequencerSig, &sigTimestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan channel row: %w", err)
		}

		channelID, err := domain.ParseHash32(channelIDStr)
		if err != nil {
			s.logger.Warn("skipping channel row with invalid channel id", slog.String("channel_id", channelIDStr), slog.Any("error", err))
			continue
		}
		owner, err := domain.ParseAddress(ownerStr)
		if err != nil {
			s.logger.Warn("skipping channel row with invalid owner", slog.String("channel_id", channelIDStr), slog.Any("error", err))
			continue
		}
		balance, err := domain.ParseU256(balanceStr)
		if err != nil {
			s.logger.Warn("skipping channel row with invalid balance", slog.String("channel_id", channelIDStr), slog.Any("error", err))
			continue
		}

		result[channelID.String()] = domain.ChannelState{
			ChannelID:          channelID,
			Owner:              owner,
			Balance:            balance,
			ExpiryTs:           expiryTs,
			SequenceNumber:     sequenceNumber,
			UserSignature:      userSig,
			SequencerSignature: sequencerSig,
			SignatureTimestamp: sigTimestamp,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load channels rows: %w", err)
	}

	recipients, err := s.loadAllRecipients(ctx)
	if err != nil {
		return nil, err
	}
	for channelIDStr, recips := range recipients {
		if ch, ok := result[channelIDStr]; ok {
			ch.Recipients = recips
			result[channelIDStr] = ch
		}
	}

	return result, nil
}

func (s *ChannelStore) loadAllRecipients(ctx context.Context) (map[string][]domain.RecipientBalance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT channel_id, position, recipient_address, cumulative_amount FROM channel_recipients ORDER BY channel_id, position`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load channel recipients: %w", err)
	}
	defer rows.Close()

	byChannel := make(map[string][]domain.RecipientBalance)
	for rows.Next() {
		var channelIDStr string
		var position int
		var addrStr, amountStr string

		if err := rows.Scan(&channelIDStr, &position, &addrStr, &amountStr); err != nil {
			return nil, fmt.Errorf("postgres: scan channel recipient row: %w", err)
		}

		addr, err := domain.ParseAddress(addrStr)
		if err != nil {
			s.logger.Warn("skipping channel recipient row with invalid address", slog.String("channel_id", channelIDStr), slog.Any("error", err))
			continue
		}
		amount, err := domain.ParseU256(amountStr)
		if err != nil {
			s.logger.Warn("skipping channel recipient row with invalid amount", slog.String("channel_id", channelIDStr), slog.Any("error", err))
			continue
		}

		byChannel[channelIDStr] = append(byChannel[channelIDStr], domain.RecipientBalance{
			Address:          addr,
			CumulativeAmount: amount,
			Position:         position,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load channel recipients rows: %w", err)
	}

	for k := range byChannel {
		sort.Slice(byChannel[k], func(i, j int) bool {
			return byChannel[k][i].Position < byChannel[k][j].Position
		})
	}
	return byChannel, nil
}

// Save upserts ch and replaces its recipient set inside a single
// transaction, so a reader never observes a channel row whose recipients
// haven't caught up yet.
func (s *ChannelStore) Save(ctx context.Context, ch domain.ChannelState) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin save channel %s: %w", ch.ChannelID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const upsert = `
		INSERT INTO channels (
			channel_id, owner, balance, expiry_ts, sequence_number,
			user_signature, sequencer_signature, signature_timestamp, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (channel_id) DO UPDATE SET
			balance = EXCLUDED.balance,
			sequence_number = EXCLUDED.sequence_number,
			user_signature = EXCLUDED.user_signature,
			sequencer_signature = EXCLUDED.sequencer_signature,
			signature_timestamp = EXCLUDED.signature_timestamp,
			updated_at = NOW()`

	if _, err := tx.Exec(ctx, upsert,
		ch.ChannelID.String(), ch.Owner.String(), ch.Balance.String(), ch.ExpiryTs, ch.SequenceNumber,
		ch.UserSignature, ch.SequencerSignature, ch.SignatureTimestamp,
	); err != nil {
		return fmt.Errorf("postgres: upsert channel %s: %w", ch.ChannelID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM channel_recipients WHERE channel_id = $1`, ch.ChannelID.String()); err != nil {
		return fmt.Errorf("postgres: clear channel recipients %s: %w", ch.ChannelID, err)
	}

	for _, r := range ch.Recipients {
		if _, err := tx.Exec(ctx,
			`INSERT INTO channel_recipients (channel_id, position, recipient_address, cumulative_amount)
			 VALUES ($1, $2, $3, $4)`,
			ch.ChannelID.String(), r.Position, r.Address.String(), r.CumulativeAmount.String(),
		); err != nil {
			return fmt.Errorf("postgres: insert channel recipient %s[%d]: %w", ch.ChannelID, r.Position, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit save channel %s: %w", ch.ChannelID, err)
	}
	return nil
}
