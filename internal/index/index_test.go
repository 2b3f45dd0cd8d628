package index

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamchannel/sequencer/internal/domain"
)

func testChannel(t *testing.T) domain.ChannelState {
	t.Helper()
	id, err := domain.ParseHash32("0x0101010101010101010101010101010101010101010101010101010101010101")
	require.NoError(t, err)
	owner, err := domain.ParseAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	require.NoError(t, err)
	return domain.ChannelState{ChannelID: id, Owner: owner, Balance: big.NewInt(1000), ExpiryTs: 2_000_000_000}
}

func TestPutAndGet(t *testing.T) {
	idx := New(nil)
	ch := testChannel(t)

	idx.Put(ch)

	got, ok := idx.Get(ch.ChannelID.String())
	require.True(t, ok)
	assert.Equal(t, ch.Owner, got.Owner)
	assert.Equal(t, 1, idx.Len())
}

func TestGetMissing(t *testing.T) {
	idx := New(nil)
	_, ok := idx.Get("0xdoesnotexist")
	assert.False(t, ok)
}

func TestByOwner(t *testing.T) {
	idx := New(nil)
	ch := testChannel(t)
	idx.Put(ch)

	matches := idx.ByOwner(ch.Owner)
	require.Len(t, matches, 1)
	assert.Equal(t, ch.ChannelID, matches[0].ChannelID)

	other, err := domain.ParseAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
	require.NoError(t, err)
	assert.Empty(t, idx.ByOwner(other))
}

func TestWithLockInstallsReturnedState(t *testing.T) {
	idx := New(nil)
	ch := testChannel(t)
	key := ch.ChannelID.String()

	err := idx.WithLock(key, func(current domain.ChannelState, exists bool) (domain.ChannelState, error) {
		assert.False(t, exists)
		return ch, nil
	})
	require.NoError(t, err)

	got, ok := idx.Get(key)
	require.True(t, ok)
	assert.Equal(t, ch.Balance, got.Balance)
}

func TestWithLockLeavesIndexUntouchedOnError(t *testing.T) {
	idx := New(nil)
	ch := testChannel(t)
	idx.Put(ch)
	key := ch.ChannelID.String()

	sentinel := assert.AnError
	err := idx.WithLock(key, func(current domain.ChannelState, exists bool) (domain.ChannelState, error) {
		mutated := current
		mutated.SequenceNumber = 99
		return mutated, sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, _ := idx.Get(key)
	assert.Equal(t, uint64(0), got.SequenceNumber)
}
