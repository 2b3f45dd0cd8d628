package voucher

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/streamchannel/sequencer/internal/chaincrypto"
	"github.com/streamchannel/sequencer/internal/domain"
	"github.com/streamchannel/sequencer/internal/index"
)

const ownerPrivateKeyHex = "4c0883a69102937d6231471b5dbb1522d741beb41cdbd3d8a78f8e9e74d62aa0"
const sequencerPrivateKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// memStore is a trivial in-memory domain.ChannelStore stand-in; the engine's
// contract with Store is just Save/LoadAll/Init, so tests never need the
// real Postgres implementation.
type memStore struct {
	saved map[string]domain.ChannelState
	err   error
}

func newMemStore() *memStore { return &memStore{saved: map[string]domain.ChannelState{}} }

func (m *memStore) Init(ctx context.Context) error { return nil }

func (m *memStore) LoadAll(ctx context.Context) (map[string]domain.ChannelState, error) {
	return m.saved, nil
}

func (m *memStore) Save(ctx context.Context, ch domain.ChannelState) error {
	if m.err != nil {
		return m.err
	}
	m.saved[ch.ChannelID.String()] = ch
	return nil
}

// stubChain is a ChainFinalizer stand-in recording the last call it received.
type stubChain struct {
	txHash string
	err    error

	lastChannelID      domain.Hash32
	lastSequenceNumber uint64
	lastRecipients     []domain.Address
	lastAmounts        []*big.Int
}

func (s *stubChain) FinalCloseBySequencer(ctx context.Context, channelID domain.Hash32, sequenceNumber uint64, signatureTimestamp uint64, recipients []domain.Address, amounts []*big.Int, userSignature string) (string, error) {
	s.lastChannelID = channelID
	s.lastSequenceNumber = sequenceNumber
	s.lastRecipients = recipients
	s.lastAmounts = amounts
	if s.err != nil {
		return "", s.err
	}
	if s.txHash == "" {
		return "0xtxhash", nil
	}
	return s.txHash, nil
}

type harness struct {
	idx    *index.Index
	store  *memStore
	chain  *stubChain
	signer chaincrypto.Signer
	domain chaincrypto.Domain
	owner  domain.Address
	engine *Engine
	now    time.Time
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	ownerKey, err := ethcrypto.HexToECDSA(ownerPrivateKeyHex)
	require.NoError(t, err)
	owner, err := domain.ParseAddress(ethcrypto.PubkeyToAddress(ownerKey.PublicKey).Hex())
	require.NoError(t, err)

	signer, err := chaincrypto.NewLocalSigner(sequencerPrivateKeyHex)
	require.NoError(t, err)

	contract, err := domain.ParseAddress("0x9999999999999999999999999999999999999999")
	require.NoError(t, err)
	chainDomain := chaincrypto.Domain{ChainID: 1, VerifyingContract: contract}

	idx := index.New(nil)
	store := newMemStore()
	chain := &stubChain{}
	now := time.Unix(1_700_000_000, 0)

	allOpts := append([]Option{WithClock(func() time.Time { return now })}, opts...)
	engine := New(idx, store, signer, chain, chainDomain, nil, allOpts...)

	return &harness{
		idx: idx, store: store, chain: chain, signer: signer,
		domain: chainDomain, owner: owner, engine: engine, now: now,
	}
}

func (h *harness) seed(t *testing.T, channelID string, balance string, expiry uint64) domain.ChannelView {
	t.Helper()
	view, err := h.engine.Seed(context.Background(), SeedRequest{
		ChannelID: channelID, Owner: h.owner.String(), Balance: balance, ExpiryTimestamp: expiry,
	})
	require.NoError(t, err)
	return view
}

// signVoucher builds the owner's EIP-712 signature for a sequence bump that
// pays amount to receiver (plus any already-accumulated recipients), mirroring
// exactly what previewNext hashes for step 8 so tests can drive real signed
// requests rather than stub verification.
func (h *harness) signVoucher(t *testing.T, channelID domain.Hash32, seq uint64, ts uint64, recipients []domain.RecipientBalance) string {
	t.Helper()
	ownerKey, err := ethcrypto.HexToECDSA(ownerPrivateKeyHex)
	require.NoError(t, err)

	digest := chaincrypto.Digest(h.domain, chaincrypto.ChannelUpdate{
		ChannelID: channelID, SequenceNumber: seq, Timestamp: ts, Recipients: recipients,
	})
	sig, err := ethcrypto.Sign(digest[:], ownerKey)
	require.NoError(t, err)
	sig[64] += 27
	return "0x" + hexEncode(sig)
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func mustHash32(t *testing.T, s string) domain.Hash32 {
	t.Helper()
	h, err := domain.ParseHash32(s)
	require.NoError(t, err)
	return h
}

func mustAddress(t *testing.T, s string) domain.Address {
	t.Helper()
	a, err := domain.ParseAddress(s)
	require.NoError(t, err)
	return a
}

const channelIDHex = "0x0101010101010101010101010101010101010101010101010101010101010101"
const receiverHex = "0x2222222222222222222222222222222222222222"
const feeDestHex = "0x3333333333333333333333333333333333333333"

func TestSeedThenSettleHappyPath(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(100), Position: 0}}
	sig := h.signVoucher(t, channelID, 1, uint64(h.now.Unix()), recipients)

	view, err := h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "100", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), UserSignature: sig,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), view.SequenceNumber)
	require.Len(t, view.Recipients, 1)
	assert.Equal(t, "100", view.Recipients[0].Balance)
	assert.NotEmpty(t, view.SequencerSignature)

	saved := h.store.saved[channelIDHex]
	assert.Equal(t, view.SequencerSignature, saved.SequencerSignature)
}

func TestValidateNeverProducesSequencerSignature(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(100), Position: 0}}
	sig := h.signVoucher(t, channelID, 1, uint64(h.now.Unix()), recipients)

	view, err := h.engine.Validate(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "100", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), UserSignature: sig,
	})
	require.NoError(t, err)
	assert.Empty(t, view.SequencerSignature, "validate must stop before co-signing")

	// And the store/index must be untouched.
	assert.Empty(t, h.store.saved[channelIDHex].SequencerSignature)
	current, _ := h.idx.Get(channelIDHex)
	assert.Equal(t, uint64(0), current.SequenceNumber)
}

func TestSettleSecondRecipientAccumulates(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	feeDest := mustAddress(t, feeDestHex)

	r1 := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(100), Position: 0}}
	sig1 := h.signVoucher(t, channelID, 1, uint64(h.now.Unix()), r1)
	_, err := h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "100", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), UserSignature: sig1,
	})
	require.NoError(t, err)

	r2 := []domain.RecipientBalance{
		{Address: receiver, CumulativeAmount: big.NewInt(150), Position: 0},
		{Address: feeDest, CumulativeAmount: big.NewInt(10), Position: 1},
	}
	sig2 := h.signVoucher(t, channelID, 2, uint64(h.now.Unix()), r2)
	view, err := h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "50", Receiver: receiverHex,
		SequenceNumber: 2, Timestamp: uint64(h.now.Unix()), UserSignature: sig2,
		FeeForPayment: &FeeForPayment{FeeDestinationAddress: feeDestHex, FeeAmount: "10"},
	})
	require.NoError(t, err)
	require.Len(t, view.Recipients, 2)
	assert.Equal(t, "150", view.Recipients[0].Balance)
	assert.Equal(t, "10", view.Recipients[1].Balance)
}

func TestSettleRejectsBalanceOverflow(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "100", 2_000_000_000)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(101), Position: 0}}
	sig := h.signVoucher(t, channelID, 1, uint64(h.now.Unix()), recipients)

	_, err := h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "101", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), UserSignature: sig,
	})
	assert.ErrorIs(t, err, domain.ErrBalanceOverflow)
	assert.Equal(t, uint64(0), h.store.saved[channelIDHex].SequenceNumber)
}

func TestSettleIdempotentReplayReturnsUnchanged(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(100), Position: 0}}
	sig := h.signVoucher(t, channelID, 1, uint64(h.now.Unix()), recipients)

	req := PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "100", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), UserSignature: sig,
	}
	first, err := h.engine.Settle(context.Background(), req)
	require.NoError(t, err)

	second, err := h.engine.Settle(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSettleRejectsSequenceGap(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(100), Position: 0}}
	sig := h.signVoucher(t, channelID, 5, uint64(h.now.Unix()), recipients)

	_, err := h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "100", Receiver: receiverHex,
		SequenceNumber: 5, Timestamp: uint64(h.now.Unix()), UserSignature: sig,
	})
	assert.True(t, domain.IsInvalidSequenceNumber(err))
}

func TestSettleRejectsWrongSigner(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(100), Position: 0}}

	// Sign with the sequencer's key instead of the owner's.
	wrongKey, err := ethcrypto.HexToECDSA(sequencerPrivateKeyHex)
	require.NoError(t, err)
	digest := chaincrypto.Digest(h.domain, chaincrypto.ChannelUpdate{
		ChannelID: channelID, SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), Recipients: recipients,
	})
	sig, err := ethcrypto.Sign(digest[:], wrongKey)
	require.NoError(t, err)
	sig[64] += 27
	badSig := "0x" + hexEncode(sig)

	_, err = h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "100", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), UserSignature: badSig,
	})
	assert.True(t, domain.IsInvalidSignature(err))
}

func TestSettleRejectsExpiredTimestamp(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 1_700_000_001)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(100), Position: 0}}
	pastExpiry := uint64(1_700_000_002)
	sig := h.signVoucher(t, channelID, 1, pastExpiry, recipients)

	_, err := h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "100", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: pastExpiry, UserSignature: sig,
	})
	assert.ErrorIs(t, err, domain.ErrChannelExpired)
}

func TestSettleLeavesStateUntouchedOnError(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)
	before, _ := h.idx.Get(channelIDHex)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(2000), Position: 0}}
	sig := h.signVoucher(t, channelID, 1, uint64(h.now.Unix()), recipients)

	_, err := h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "2000", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), UserSignature: sig,
	})
	require.Error(t, err)

	after, _ := h.idx.Get(channelIDHex)
	assert.Equal(t, before, after)
}

func TestFinalizeSubmitsLastCosignedVoucher(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	channelID := mustHash32(t, channelIDHex)
	receiver := mustAddress(t, receiverHex)
	recipients := []domain.RecipientBalance{{Address: receiver, CumulativeAmount: big.NewInt(100), Position: 0}}
	sig := h.signVoucher(t, channelID, 1, uint64(h.now.Unix()), recipients)
	_, err := h.engine.Settle(context.Background(), PayInChannelRequest{
		ChannelID: channelIDHex, Amount: "100", Receiver: receiverHex,
		SequenceNumber: 1, Timestamp: uint64(h.now.Unix()), UserSignature: sig,
	})
	require.NoError(t, err)

	txHash, err := h.engine.Finalize(context.Background(), FinalizeRequest{ChannelID: channelIDHex})
	require.NoError(t, err)
	assert.Equal(t, "0xtxhash", txHash)
	assert.Equal(t, uint64(1), h.chain.lastSequenceNumber)
	require.Len(t, h.chain.lastRecipients, 1)
	assert.Equal(t, receiver, h.chain.lastRecipients[0])
	assert.Equal(t, big.NewInt(100), h.chain.lastAmounts[0])
}

func TestFinalizeRejectsChannelWithNoVoucher(t *testing.T) {
	h := newHarness(t)
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	_, err := h.engine.Finalize(context.Background(), FinalizeRequest{ChannelID: channelIDHex})
	assert.ErrorIs(t, err, domain.ErrInternal)
}

func TestSeedRefusesReseedWhenDisabled(t *testing.T) {
	h := newHarness(t, WithAllowReseed(false))
	h.seed(t, channelIDHex, "1000", 2_000_000_000)

	_, err := h.engine.Seed(context.Background(), SeedRequest{
		ChannelID: channelIDHex, Owner: h.owner.String(), Balance: "2000", ExpiryTimestamp: 2_000_000_000,
	})
	assert.ErrorIs(t, err, domain.ErrInternal)
}
