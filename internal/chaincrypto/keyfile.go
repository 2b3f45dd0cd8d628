package chaincrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
const pbkdf2Iterations = 480_000

const (
	keyfileSaltLen   = 16
	keyfileAESKeyLen = 32
	keyfileVersion   = 1
)

// EncryptedKeyFile is the on-disk format for a sequencer private key
// protected with a passphrase (PBKDF2-HMAC-SHA256 key derivation +
// AES-256-GCM), so SEQUENCER_PRIVATE_KEY never has to sit in the clear in
// the process environment or a .env file.
type EncryptedKeyFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptSequencerKey encrypts a hex-encoded secp256k1 private key with
// passphrase, returning the JSON document an operator writes to the path
// named by SEQUENCER_PRIVATE_KEY when SEQUENCER_KEY_PASSPHRASE is set.
func EncryptSequencerKey(privateKeyHex, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("chaincrypto: passphrase must not be empty")
	}

	keyHex := strings.TrimPrefix(strings.TrimPrefix(privateKeyHex, "0X"), "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("chaincrypto: expected 32-byte key, got %d bytes", len(keyBytes))
	}

	salt := make([]byte, keyfileSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("chaincrypto: generating salt: %w", err)
	}
	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyfileAESKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("chaincrypto: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("chaincrypto: generating nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, keyBytes, nil)

	return json.MarshalIndent(EncryptedKeyFile{
		Version:    keyfileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, "", "  ")
}

// DecryptSequencerKey reverses EncryptSequencerKey, returning the
// hex-encoded private key (without 0x prefix) so it can be handed directly
// to NewLocalSigner.
func DecryptSequencerKey(encryptedJSON []byte, passphrase string) (string, error) {
	if passphrase == "" {
		return "", errors.New("chaincrypto: passphrase must not be empty")
	}

	var stored EncryptedKeyFile
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return "", fmt.Errorf("chaincrypto: parsing encrypted key file: %w", err)
	}
	if stored.Version != keyfileVersion {
		return "", fmt.Errorf("chaincrypto: unsupported key file version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("chaincrypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("chaincrypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("chaincrypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, keyfileAESKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return "", fmt.Errorf("chaincrypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("chaincrypto: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("chaincrypto: decryption failed (wrong passphrase?): %w", err)
	}

	return hex.EncodeToString(plaintext), nil
}
