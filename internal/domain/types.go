// Package domain holds the core types, error kinds, and store interfaces of
// the payment-channel sequencer. It is intentionally free of storage,
// transport, and cryptography imports so every other package can depend on
// it without cycles.
package domain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// Address is a 20-byte Ethereum-style address, always carried lowercase
// 0x-hex to match the wire format described by the API surface.
type Address [20]byte

// ParseAddress decodes a 0x-prefixed (optional) hex string into an Address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := decodeFixedHex(s, len(a))
	if err != nil {
		return a, fmt.Errorf("domain: invalid address %q: %w", s, err)
	}
	copy(a[:], b)
	return a, nil
}

// String returns the lowercase 0x-hex encoding.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is the zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Pad32 left-pads the address to 32 bytes, the ABI encoding used inside
// EIP-712 struct hashes.
func (a Address) Pad32() [32]byte {
	var out [32]byte
	copy(out[12:], a[:])
	return out
}

// Hash32 is a 32-byte value, used for channel ids and digests.
type Hash32 [32]byte

// ParseHash32 decodes a 0x-prefixed (optional) hex string into a Hash32.
func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	b, err := decodeFixedHex(s, len(h))
	if err != nil {
		return h, fmt.Errorf("domain: invalid hash %q: %w", s, err)
	}
	copy(h[:], b)
	return h, nil
}

// String returns the lowercase 0x-hex encoding.
func (h Hash32) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

func decodeFixedHex(s string, n int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0X"), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != n {
		return nil, fmt.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

// U256BE returns the big-endian, 32-byte zero-padded encoding of n, as used
// for both the `amounts` array and scalar uint256 fields in the EIP-712
// struct hash. n must be non-negative and fit in 256 bits; callers are
// expected to have already range-checked decimal-string inputs.
func U256BE(n *big.Int) [32]byte {
	var out [32]byte
	if n == nil {
		return out
	}
	b := n.Bytes()
	if len(b) > len(out) {
		// Truncation would silently corrupt the digest; callers must never
		// pass a value wider than 256 bits.
		copy(out[:], b[len(b)-len(out):])
		return out
	}
	copy(out[len(out)-len(b):], b)
	return out
}

// ParseU256 parses a base-10 decimal string into a uint256-range big.Int.
func ParseU256(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("domain: invalid uint256 %q", s)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("domain: uint256 %q must not be negative", s)
	}
	if n.BitLen() > 256 {
		return nil, fmt.Errorf("domain: uint256 %q overflows 256 bits", s)
	}
	return n, nil
}
