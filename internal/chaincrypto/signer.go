package chaincrypto

import (
	"context"
	"encoding/asn1"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/awnumar/memguard"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/streamchannel/sequencer/internal/domain"
)

// Signer co-signs an already-computed EIP-712 digest and exposes the
// Ethereum address it signs as, so the sequencer can refuse to start if its
// configured key doesn't match the on-chain sequencer() address.
type Signer interface {
	Address() domain.Address
	Sign(ctx context.Context, digest [32]byte) (string, error)
}

// LocalSigner holds a raw secp256k1 private key sealed in a memguard
// Enclave, opened only for the duration of a single Sign call (grounded in
// Caesar-Trade's internal/signer.SessionManager, generalized here to a
// long-lived non-expiring signer since the sequencer key has no session
// TTL or spend limit semantics).
type LocalSigner struct {
	enclave *memguard.Enclave
	address domain.Address
}

// NewLocalSigner parses hexKey (0x-prefixed or not), derives its address,
// and seals the raw key bytes into a memguard Enclave. The caller's copy of
// hexKey is not zeroed; callers that read the key from the environment
// should treat that as an accepted, unavoidable exposure at process start.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(hexKey, "0X"), "0x")
	privKey, err := ethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: invalid sequencer private key: %w", err)
	}

	addr, err := domain.ParseAddress(ethcrypto.PubkeyToAddress(privKey.PublicKey).Hex())
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: derive sequencer address: %w", err)
	}

	keyBytes := ethcrypto.FromECDSA(privKey)
	return &LocalSigner{
		enclave: memguard.NewEnclave(keyBytes),
		address: addr,
	}, nil
}

// NewLocalSignerFromEncryptedFile resolves a LocalSigner from a key
// protected at rest with EncryptSequencerKey, so SEQUENCER_PRIVATE_KEY can
// name a path to an encrypted file instead of holding the raw key in the
// process environment. Used when SEQUENCER_KEY_PASSPHRASE is set.
func NewLocalSignerFromEncryptedFile(path, passphrase string) (*LocalSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: read encrypted key file %s: %w", path, err)
	}
	hexKey, err := DecryptSequencerKey(data, passphrase)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(hexKey)
}

func (s *LocalSigner) Address() domain.Address {
	return s.address
}

// Sign opens the enclave, signs digest, and returns a 0x-hex 65-byte
// (r||s||v) signature with v in {27,28}.
func (s *LocalSigner) Sign(_ context.Context, digest [32]byte) (string, error) {
	buf, err := s.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("chaincrypto: open signing key: %w", err)
	}
	defer buf.Destroy()

	privKey, err := ethcrypto.ToECDSA(buf.Bytes())
	if err != nil {
		return "", fmt.Errorf("chaincrypto: parse signing key: %w", err)
	}

	sig, err := ethcrypto.Sign(digest[:], privKey)
	if err != nil {
		return "", fmt.Errorf("chaincrypto: sign digest: %w", err)
	}
	sig[64] += 27

	return "0x" + fmt.Sprintf("%x", sig), nil
}

// KMSSigner signs through an AWS KMS asymmetric ECC_SECG_P256K1 key,
// grounded in Caesar-Trade's internal/kms.Client wiring of the AWS SDK v2
// config/credentials packages. KMS never exposes the private key; the
// sequencer authenticates to AWS instead of holding key material itself.
type KMSSigner struct {
	client  *kms.Client
	keyID   string
	address domain.Address
}

// NewKMSSigner builds a KMSSigner for keyID in region, then verifies the
// key's derived address matches expectedAddress — mirroring the local-key
// startup check so a misconfigured KMS key ID fails closed at boot instead
// of silently co-signing as the wrong address.
func NewKMSSigner(ctx context.Context, region, keyID string, expectedAddress domain.Address) (*KMSSigner, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: load aws config: %w", err)
	}

	client := kms.NewFromConfig(cfg)

	pub, err := client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: kms get public key: %w", err)
	}

	pubKey, err := ethcrypto.UnmarshalPubkey(derSubjectPublicKeyToRaw(pub.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: parse kms public key: %w", err)
	}

	addr, err := domain.ParseAddress(ethcrypto.PubkeyToAddress(*pubKey).Hex())
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: derive kms signer address: %w", err)
	}

	if addr != expectedAddress {
		return nil, fmt.Errorf("chaincrypto: kms key %s derives address %s, expected %s", keyID, addr, expectedAddress)
	}

	return &KMSSigner{client: client, keyID: keyID, address: addr}, nil
}

func (s *KMSSigner) Address() domain.Address {
	return s.address
}

// Sign requests a raw ECDSA signature over digest from KMS with
// MessageType DIGEST (KMS trusts the caller that digest was produced with a
// matching hash — the standard pattern for signing keccak256 digests with a
// SHA-256-typed asymmetric key), decodes the DER (r,s), normalizes s to the
// secp256k1 low-S form the EVM requires, and brute-forces the recovery id
// by recovering against both candidates and keeping the one that matches
// the known signer address.
func (s *KMSSigner) Sign(ctx context.Context, digest [32]byte) (string, error) {
	out, err := s.client.Sign(ctx, &kms.SignInput{
		KeyId:            aws.String(s.keyID),
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return "", fmt.Errorf("chaincrypto: kms sign: %w", err)
	}

	r, sVal, err := decodeDERSignature(out.Signature)
	if err != nil {
		return "", fmt.Errorf("chaincrypto: decode kms signature: %w", err)
	}
	sVal = normalizeLowS(sVal)

	for recID := byte(0); recID < 2; recID++ {
		sig := make([]byte, 65)
		copy(sig[0:32], leftPad32(r.Bytes()))
		copy(sig[32:64], leftPad32(sVal.Bytes()))
		sig[64] = recID

		pub, err := ethcrypto.SigToPub(digest[:], sig)
		if err != nil {
			continue
		}
		addr, err := domain.ParseAddress(ethcrypto.PubkeyToAddress(*pub).Hex())
		if err != nil {
			continue
		}
		if addr == s.address {
			sig[64] = recID + 27
			return "0x" + fmt.Sprintf("%x", sig), nil
		}
	}

	return "", fmt.Errorf("chaincrypto: kms signature did not recover to %s", s.address)
}

type ecdsaSignature struct {
	R, S *big.Int
}

func decodeDERSignature(der []byte) (*big.Int, *big.Int, error) {
	var sig ecdsaSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		return nil, nil, err
	}
	return sig.R, sig.S, nil
}

var secp256k1HalfOrder = func() *big.Int {
	n := ethcrypto.S256().Params().N
	return new(big.Int).Rsh(n, 1)
}()

// normalizeLowS flips s to n-s when it lies in the upper half of the curve
// order, matching the canonical form Ethereum signatures require.
func normalizeLowS(s *big.Int) *big.Int {
	if s.Cmp(secp256k1HalfOrder) > 0 {
		return new(big.Int).Sub(ethcrypto.S256().Params().N, s)
	}
	return s
}

func leftPad32(b []byte) []byte {
	out := make([]byte, 32)
	copy(out[32-len(b):], b)
	return out
}

// derSubjectPublicKeyToRaw extracts the raw 65-byte uncompressed EC point
// from a DER SubjectPublicKeyInfo as returned by kms:GetPublicKey. The
// bit-string payload already *is* the uncompressed point (0x04 || X || Y);
// ASN.1 SubjectPublicKeyInfo just wraps it in an algorithm identifier.
func derSubjectPublicKeyToRaw(der []byte) []byte {
	var spki struct {
		Algorithm struct {
			Algorithm  asn1.ObjectIdentifier
			Parameters asn1.ObjectIdentifier
		}
		PublicKey asn1.BitString
	}
	if _, err := asn1.Unmarshal(der, &spki); err != nil {
		return nil
	}
	return spki.PublicKey.Bytes
}
