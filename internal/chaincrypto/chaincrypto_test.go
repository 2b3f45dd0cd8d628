package chaincrypto

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamchannel/sequencer/internal/domain"
)

// testPrivateKeyHex is declared in keyfile_test.go.

func testDomain(t *testing.T) Domain {
	t.Helper()
	contract, err := domain.ParseAddress("0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	return Domain{ChainID: 1, VerifyingContract: contract}
}

func testUpdate(t *testing.T) ChannelUpdate {
	t.Helper()
	channelID, err := domain.ParseHash32("0x0101010101010101010101010101010101010101010101010101010101010101")
	require.NoError(t, err)
	recipient, err := domain.ParseAddress("0x2222222222222222222222222222222222222222")
	require.NoError(t, err)
	return ChannelUpdate{
		ChannelID:      channelID,
		SequenceNumber: 1,
		Timestamp:      1_700_000_000,
		Recipients: []domain.RecipientBalance{
			{Address: recipient, CumulativeAmount: big.NewInt(500), Position: 0},
		},
	}
}

func TestDigestDeterministic(t *testing.T) {
	d := testDomain(t)
	u := testUpdate(t)

	d1 := Digest(d, u)
	d2 := Digest(d, u)
	assert.Equal(t, d1, d2)
}

func TestDigestChangesWithRecipientOrder(t *testing.T) {
	d := testDomain(t)
	u := testUpdate(t)

	other, err := domain.ParseAddress("0x3333333333333333333333333333333333333333")
	require.NoError(t, err)
	first := u.Recipients[0]
	second := domain.RecipientBalance{Address: other, CumulativeAmount: big.NewInt(250), Position: 1}
	u.Recipients = []domain.RecipientBalance{first, second}
	base := Digest(d, u)

	reordered := u
	reordered.Recipients = []domain.RecipientBalance{
		{Address: second.Address, CumulativeAmount: second.CumulativeAmount, Position: 0},
		{Address: first.Address, CumulativeAmount: first.CumulativeAmount, Position: 1},
	}

	assert.NotEqual(t, base, Digest(d, reordered))
}

func TestLocalSignerSignAndRecover(t *testing.T) {
	signer, err := NewLocalSigner(testPrivateKeyHex)
	require.NoError(t, err)
	assert.False(t, signer.Address().IsZero())

	digest := Digest(testDomain(t), testUpdate(t))
	sig, err := signer.Sign(context.Background(), digest)
	require.NoError(t, err)

	recovered, err := RecoverSigner(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), recovered)
}

func TestRecoverSignerMalformed(t *testing.T) {
	digest := Digest(testDomain(t), testUpdate(t))

	_, err := RecoverSigner(digest, "0xdeadbeef")
	assert.ErrorIs(t, err, domain.ErrMalformedSignature)

	_, err = RecoverSigner(digest, "not-hex-at-all")
	assert.ErrorIs(t, err, domain.ErrMalformedSignature)
}

func TestValidateTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	err := ValidateTimestamp(now, 1_700_000_000, 2_000_000_000)
	assert.NoError(t, err)

	err = ValidateTimestamp(now, uint64(now.Unix())+1000, 2_000_000_000)
	assert.ErrorIs(t, err, domain.ErrInternal)

	err = ValidateTimestamp(now, 1_700_000_001, 1_700_000_000)
	assert.ErrorIs(t, err, domain.ErrChannelExpired)
}
