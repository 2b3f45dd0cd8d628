// Package voucher implements the sequencer's core state machine: seed,
// validate, settle, and finalize (spec §4.4). It is the heaviest component
// in the system — everything else exists to feed it a current ChannelState
// and durably record the one it produces.
package voucher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/streamchannel/sequencer/internal/chaincrypto"
	"github.com/streamchannel/sequencer/internal/domain"
	"github.com/streamchannel/sequencer/internal/index"
)

// ChainFinalizer submits the final-close transaction for a channel. Engine
// depends on this interface rather than a concrete chain package so tests
// can supply a stub (spec §4.5 signing provider).
type ChainFinalizer interface {
	FinalCloseBySequencer(
		ctx context.Context,
		channelID domain.Hash32,
		sequenceNumber uint64,
		signatureTimestamp uint64,
		recipients []domain.Address,
		amounts []*big.Int,
		userSignature string,
	) (txHash string, err error)
}

// Clock abstracts wall-clock time so timestamp validation is testable
// without sleeping; Engine defaults to time.Now.
type Clock func() time.Time

// Engine is the voucher state machine. All required collaborators are
// constructor arguments; audit, archive, and publish are optional
// enrichments that degrade to no-ops when nil — post-commit side effects
// that log but never fail the call.
type Engine struct {
	idx    *index.Index
	store  domain.ChannelStore
	signer chaincrypto.Signer
	chain  ChainFinalizer
	domain chaincrypto.Domain
	clock  Clock

	allowReseed bool

	audit     domain.AuditStore
	archiver  domain.Archiver
	publisher domain.ChannelEventPublisher

	logger *slog.Logger
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithAllowReseed controls whether seed may silently overwrite an existing
// channel (spec §9 "Re-seeding" — an explicit configuration choice rather
// than a guessed fix).
func WithAllowReseed(allow bool) Option {
	return func(e *Engine) { e.allowReseed = allow }
}

// WithAuditStore attaches an append-only log of accepted vouchers.
func WithAuditStore(a domain.AuditStore) Option {
	return func(e *Engine) { e.audit = a }
}

// WithArchiver attaches cold-storage mirroring of finalized channels.
func WithArchiver(a domain.Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithPublisher attaches live channel-update broadcast.
func WithPublisher(p domain.ChannelEventPublisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithClock overrides the engine's time source (tests).
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New builds an Engine. idx and store are required; signer and chain are
// required for settle and finalize respectively but an Engine used only for
// read paths (Get, ByOwner — exposed by the caller directly on idx) may
// construct one with either nil.
func New(idx *index.Index, store domain.ChannelStore, signer chaincrypto.Signer, chain ChainFinalizer, chainDomain chaincrypto.Domain, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		idx:         idx,
		store:       store,
		signer:      signer,
		chain:       chain,
		domain:      chainDomain,
		clock:       time.Now,
		allowReseed: true,
		logger:      logger.With(slog.String("component", "voucher_engine")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Seed registers a fresh channel at sequence 0 with no recipients (spec
// §4.4 seed). It does not consult the chain. By default it silently
// overwrites an existing channel with the same id (trust-on-first-use);
// set WithAllowReseed(false) to refuse instead.
func (e *Engine) Seed(ctx context.Context, req SeedRequest) (domain.ChannelView, error) {
	channelID, err := domain.ParseHash32(req.ChannelID)
	if err != nil {
		return domain.ChannelView{}, fmt.Errorf("%w: invalid channelId: %v", domain.ErrInternal, err)
	}
	owner, err := domain.ParseAddress(req.Owner)
	if err != nil {
		return domain.ChannelView{}, fmt.Errorf("%w: invalid owner: %v", domain.ErrInternal, err)
	}
	balance, err := domain.ParseU256(req.Balance)
	if err != nil {
		return domain.ChannelView{}, fmt.Errorf("%w: invalid balance: %v", domain.ErrInternal, err)
	}

	key := channelID.String()
	if _, exists := e.idx.Get(key); exists && !e.allowReseed {
		return domain.ChannelView{}, fmt.Errorf("%w: channel %s already seeded and re-seeding is disabled", domain.ErrInternal, key)
	}

	ch := domain.ChannelState{
		ChannelID: channelID,
		Owner:     owner,
		Balance:   balance,
		ExpiryTs:  req.ExpiryTimestamp,
	}

	if err := e.store.Save(ctx, ch); err != nil {
		return domain.ChannelView{}, fmt.Errorf("%w: %v", domain.ErrDatabase, err)
	}
	e.idx.Put(ch)

	e.logger.InfoContext(ctx, "channel seeded", slog.String("channel_id", key), slog.String("owner", owner.String()))
	return ch.ToView(), nil
}

// Validate runs the same checks settle does, through signature recovery,
// but never mutates state (spec §4.4 validate). It takes only the index's
// read lock via Index.Get.
func (e *Engine) Validate(ctx context.Context, req PayInChannelRequest) (domain.ChannelView, error) {
	key, err := domain.ParseHash32(req.ChannelID)
	if err != nil {
		return domain.ChannelView{}, fmt.Errorf("%w: invalid channelId: %v", domain.ErrInternal, err)
	}

	current, exists := e.idx.Get(key.String())
	if !exists {
		return domain.ChannelView{}, domain.ErrChannelNotFound
	}

	next, _, err := e.previewNext(current, req, e.clock())
	if err != nil {
		return domain.ChannelView{}, err
	}
	return next.ToView(), nil
}

// Settle advances a channel's state by one voucher under exclusive
// per-channel access (spec §4.4 settle). On any error the in-memory and
// durable state are left exactly as they were before the call (P7).
func (e *Engine) Settle(ctx context.Context, req PayInChannelRequest) (domain.ChannelView, error) {
	key, err := domain.ParseHash32(req.ChannelID)
	if err != nil {
		return domain.ChannelView{}, fmt.Errorf("%w: invalid channelId: %v", domain.ErrInternal, err)
	}

	var result domain.ChannelState
	var settleErr error
	var replayed bool

	lockErr := e.idx.WithLock(key.String(), func(current domain.ChannelState, exists bool) (domain.ChannelState, error) {
		if !exists {
			settleErr = domain.ErrChannelNotFound
			return current, settleErr
		}

		next, unchanged, err := e.previewNext(current, req, e.clock())
		if err != nil {
			settleErr = err
			return current, err
		}
		if unchanged {
			result = next
			replayed = true
			// Returning the identical state with no error installs a
			// no-op write; idempotent replay never touches the store.
			return next, nil
		}

		// Step 9: co-sign, over the same digest validated in previewNext.
		digest := chaincrypto.Digest(e.domain, chaincrypto.ChannelUpdate{
			ChannelID:      current.ChannelID,
			SequenceNumber: next.SequenceNumber,
			Timestamp:      next.SignatureTimestamp,
			Recipients:     next.Recipients,
		})
		sequencerSig, err := e.signer.Sign(ctx, digest)
		if err != nil {
			settleErr = fmt.Errorf("%w: %v", domain.ErrInternal, err)
			return current, settleErr
		}
		next.SequencerSignature = sequencerSig

		// Step 10: persist, then the closure's return installs the index.
		if err := e.store.Save(ctx, next); err != nil {
			settleErr = fmt.Errorf("%w: %v", domain.ErrDatabase, err)
			return current, settleErr
		}

		result = next
		return next, nil
	})
	if lockErr != nil {
		return domain.ChannelView{}, lockErr
	}
	if settleErr != nil {
		return domain.ChannelView{}, settleErr
	}

	if !replayed {
		e.afterSettle(ctx, req, result)
	}
	return result.ToView(), nil
}

// afterSettle runs the enrichments that must never block or fail a
// successful settle: audit logging and live-update publication.
func (e *Engine) afterSettle(ctx context.Context, req PayInChannelRequest, ch domain.ChannelState) {
	if e.audit != nil {
		if err := e.audit.LogSettle(ctx, ch.ChannelID.String(), ch.SequenceNumber, req.Receiver, req.Amount, req.Purpose); err != nil {
			e.logger.WarnContext(ctx, "audit log failed", slog.String("channel_id", ch.ChannelID.String()), slog.Any("error", err))
		}
	}
	if e.publisher != nil {
		if err := e.publisher.PublishChannelUpdate(ctx, ch.ChannelID.String(), ch.SequenceNumber); err != nil {
			e.logger.WarnContext(ctx, "publish channel update failed", slog.String("channel_id", ch.ChannelID.String()), slog.Any("error", err))
		}
	}
}

// previewNext performs settle steps 2 through 8 of spec §4.4 against
// current (the caller has already done step 1, the lookup) and returns the candidate next state with the updated recipients,
// sequence number, user signature, and timestamp — but not yet a sequencer
// co-signature, since validate stops here and never co-signs. unchanged is
// true when req exactly replays the channel's current voucher (step 2,
// idempotent retry) — in that case next equals current and no further side
// effects should occur.
func (e *Engine) previewNext(current domain.ChannelState, req PayInChannelRequest, now time.Time) (next domain.ChannelState, unchanged bool, err error) {
	// Step 2: idempotence / replay.
	if req.SequenceNumber == current.SequenceNumber {
		if req.UserSignature == current.UserSignature && req.Timestamp == current.SignatureTimestamp {
			return current, true, nil
		}
		return domain.ChannelState{}, false, &domain.InvalidSequenceNumberError{
			Expected: current.SequenceNumber,
			Actual:   req.SequenceNumber,
		}
	}

	// Step 3: monotonicity.
	if req.SequenceNumber != current.SequenceNumber+1 {
		return domain.ChannelState{}, false, &domain.InvalidSequenceNumberError{
			Expected: current.SequenceNumber + 1,
			Actual:   req.SequenceNumber,
		}
	}

	// Step 4: amount.
	amount, err := domain.ParseU256(req.Amount)
	if err != nil {
		return domain.ChannelState{}, false, fmt.Errorf("%w: invalid amount: %v", domain.ErrInternal, err)
	}
	if amount.Sign() == 0 {
		return domain.ChannelState{}, false, domain.ErrInsufficientBalance
	}

	// Step 5: timestamp.
	if err := chaincrypto.ValidateTimestamp(now, req.Timestamp, current.ExpiryTs); err != nil {
		return domain.ChannelState{}, false, err
	}

	receiver, err := domain.ParseAddress(req.Receiver)
	if err != nil {
		return domain.ChannelState{}, false, fmt.Errorf("%w: invalid receiver: %v", domain.ErrInternal, err)
	}

	// Step 6: accumulate.
	updated := current.CloneRecipients()
	updated = domain.AddAmount(updated, receiver, amount)
	if req.FeeForPayment != nil {
		feeDest, err := domain.ParseAddress(req.FeeForPayment.FeeDestinationAddress)
		if err != nil {
			return domain.ChannelState{}, false, fmt.Errorf("%w: invalid fee destination: %v", domain.ErrInternal, err)
		}
		feeAmount, err := domain.ParseU256(req.FeeForPayment.FeeAmount)
		if err != nil {
			return domain.ChannelState{}, false, fmt.Errorf("%w: invalid fee amount: %v", domain.ErrInternal, err)
		}
		updated = domain.AddAmount(updated, feeDest, feeAmount)
	}

	// Step 7: solvency.
	if domain.RecipientSum(updated).Cmp(current.Balance) > 0 {
		return domain.ChannelState{}, false, domain.ErrBalanceOverflow
	}

	// Step 8: signature verification, over the *updated* recipient list.
	digest := chaincrypto.Digest(e.domain, chaincrypto.ChannelUpdate{
		ChannelID:      current.ChannelID,
		SequenceNumber: req.SequenceNumber,
		Timestamp:      req.Timestamp,
		Recipients:     updated,
	})
	recovered, err := chaincrypto.RecoverSigner(digest, req.UserSignature)
	if err != nil {
		return domain.ChannelState{}, false, err
	}
	if recovered != current.Owner {
		return domain.ChannelState{}, false, &domain.InvalidSignatureError{Expected: current.Owner, Actual: recovered}
	}

	next = current
	next.SequenceNumber = req.SequenceNumber
	next.UserSignature = req.UserSignature
	next.SignatureTimestamp = req.Timestamp
	next.Recipients = updated
	return next, false, nil
}

// Finalize re-verifies the channel's last co-signed voucher and submits it
// to the chain's finalCloseBySequencer (spec §4.4 finalize). It takes only
// the index's read lock: a concurrent settle may commit a newer state
// while this call is in flight (spec §9 "Concurrent finalize + settle") —
// benign, since the contract only verifies whatever state is submitted.
func (e *Engine) Finalize(ctx context.Context, req FinalizeRequest) (string, error) {
	key, err := domain.ParseHash32(req.ChannelID)
	if err != nil {
		return "", fmt.Errorf("%w: invalid channelId: %v", domain.ErrInternal, err)
	}

	current, exists := e.idx.Get(key.String())
	if !exists {
		return "", domain.ErrChannelNotFound
	}
	if current.UserSignature == "" {
		return "", fmt.Errorf("%w: channel has no voucher to finalize", domain.ErrInternal)
	}
	if current.SignatureTimestamp == 0 {
		return "", fmt.Errorf("%w: channel has no signed timestamp to finalize", domain.ErrInternal)
	}

	if err := chaincrypto.ValidateTimestamp(e.clock(), current.SignatureTimestamp, current.ExpiryTs); err != nil {
		return "", err
	}

	digest := chaincrypto.Digest(e.domain, chaincrypto.ChannelUpdate{
		ChannelID:      current.ChannelID,
		SequenceNumber: current.SequenceNumber,
		Timestamp:      current.SignatureTimestamp,
		Recipients:     current.Recipients,
	})
	recovered, err := chaincrypto.RecoverSigner(digest, current.UserSignature)
	if err != nil {
		return "", err
	}
	if recovered != current.Owner {
		return "", &domain.InvalidSignatureError{Expected: current.Owner, Actual: recovered}
	}

	recipients := make([]domain.Address, len(current.Recipients))
	amounts := make([]*big.Int, len(current.Recipients))
	for i, r := range current.Recipients {
		recipients[i] = r.Address
		amounts[i] = r.CumulativeAmount
	}

	txHash, err := e.chain.FinalCloseBySequencer(ctx, current.ChannelID, current.SequenceNumber, current.SignatureTimestamp, recipients, amounts, current.UserSignature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrContractCall, err)
	}

	e.logger.InfoContext(ctx, "channel finalized", slog.String("channel_id", key.String()), slog.String("tx_hash", txHash))

	if e.archiver != nil {
		if err := e.archiver.ArchiveFinalizedChannel(ctx, key.String(), current.ToView(), txHash); err != nil {
			e.logger.WarnContext(ctx, "archive finalized channel failed", slog.String("channel_id", key.String()), slog.Any("error", err))
		}
	}
	if e.publisher != nil {
		if err := e.publisher.PublishChannelUpdate(ctx, key.String(), current.SequenceNumber); err != nil {
			e.logger.WarnContext(ctx, "publish channel update failed", slog.String("channel_id", key.String()), slog.Any("error", err))
		}
	}

	return txHash, nil
}
