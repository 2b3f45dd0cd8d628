package chaincrypto

import (
	"encoding/hex"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/streamchannel/sequencer/internal/domain"
)

// RecoverSigner parses a 0x-prefixed 65-byte (r||s||v) hex signature,
// recovers the secp256k1 public key over digest, and returns its Ethereum
// address. Returns domain.ErrMalformedSignature on any parse or recovery
// failure (spec §4.1).
func RecoverSigner(digest [32]byte, sigHex string) (domain.Address, error) {
	var zero domain.Address

	raw, err := decodeSignature(sigHex)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", domain.ErrMalformedSignature, err)
	}

	// go-ethereum's Ecrecover expects the recovery id in {0,1}; wallets and
	// the contract use {27,28}.
	normalized := make([]byte, len(raw))
	copy(normalized, raw)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] != 0 && normalized[64] != 1 {
		return zero, fmt.Errorf("%w: invalid recovery id", domain.ErrMalformedSignature)
	}

	pub, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", domain.ErrMalformedSignature, err)
	}

	addr, err := domain.ParseAddress(ethcrypto.PubkeyToAddress(*pub).Hex())
	if err != nil {
		return zero, fmt.Errorf("%w: %v", domain.ErrMalformedSignature, err)
	}
	return addr, nil
}

func decodeSignature(sigHex string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(sigHex, "0X"), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("expected 65 bytes, got %d", len(raw))
	}
	return raw, nil
}
