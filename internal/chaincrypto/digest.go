// Package chaincrypto builds the EIP-712 digest for a channel update,
// recovers signers from 65-byte secp256k1 signatures, produces the
// sequencer's co-signature, and validates voucher timestamps (spec §4.1).
//
// Digest construction here must stay byte-exact with the on-chain
// StreamChannel verifier; any drift silently invalidates every signature
// the sequencer ever issues.
package chaincrypto

import (
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/streamchannel/sequencer/internal/domain"
)

const (
	domainName    = "StreamChannel"
	domainVersion = "1"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// ChannelData(bytes32 channelId,uint256 sequenceNumber,uint256 timestamp,address[] recipients,uint256[] amounts)
	structTypeHash = ethcrypto.Keccak256(
		[]byte("ChannelData(bytes32 channelId,uint256 sequenceNumber,uint256 timestamp,address[] recipients,uint256[] amounts)"),
	)
)

// Domain identifies the chain and contract a digest is bound to.
type Domain struct {
	ChainID           uint64
	VerifyingContract domain.Address
}

// separator computes keccak256(typeHash || H(name) || H(version) || pad32(chainId) || pad32(verifyingContract)).
func (d Domain) separator() []byte {
	chainID := domain.U256BE(new(big.Int).SetUint64(d.ChainID))
	contract := d.VerifyingContract.Pad32()
	return ethcrypto.Keccak256(
		concat(
			domainTypeHash,
			ethcrypto.Keccak256([]byte(domainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			chainID[:],
			contract[:],
		),
	)
}

// ChannelUpdate is the struct being EIP-712-signed: the channel's identity,
// the voucher's sequence number and timestamp, and the full *updated*
// recipient vector in position order (spec §4.4 step 8 — the digest binds
// to the recipient list the user is newly committing to, not the prior
// one).
type ChannelUpdate struct {
	ChannelID      domain.Hash32
	SequenceNumber uint64
	Timestamp      uint64
	Recipients     []domain.RecipientBalance
}

// recipientsHash is H(pad32(addr_0) || pad32(addr_1) || ...). An empty
// recipient list hashes to H("") per spec.
func recipientsHash(recipients []domain.RecipientBalance) []byte {
	buf := make([]byte, 0, 32*len(recipients))
	for _, r := range recipients {
		p := r.Address.Pad32()
		buf = append(buf, p[:]...)
	}
	return ethcrypto.Keccak256(buf)
}

// amountsHash is H(be32(amount_0) || be32(amount_1) || ...) in the same
// position order as recipientsHash.
func amountsHash(recipients []domain.RecipientBalance) []byte {
	buf := make([]byte, 0, 32*len(recipients))
	for _, r := range recipients {
		a := domain.U256BE(r.CumulativeAmount)
		buf = append(buf, a[:]...)
	}
	return ethcrypto.Keccak256(buf)
}

func (u ChannelUpdate) structHash() []byte {
	seq := domain.U256BE(new(big.Int).SetUint64(u.SequenceNumber))
	ts := domain.U256BE(new(big.Int).SetUint64(u.Timestamp))
	return ethcrypto.Keccak256(
		concat(
			structTypeHash,
			u.ChannelID[:],
			seq[:],
			ts[:],
			recipientsHash(u.Recipients),
			amountsHash(u.Recipients),
		),
	)
}

// Digest computes the final EIP-712 digest for update under domain:
//
//	keccak256(0x19 || 0x01 || domainSeparator || structHash)
func Digest(d Domain, u ChannelUpdate) [32]byte {
	var out [32]byte
	h := ethcrypto.Keccak256(
		concat(
			[]byte{0x19, 0x01},
			d.separator(),
			u.structHash(),
		),
	)
	copy(out[:], h)
	return out
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	buf := make([]byte, 0, n)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}
