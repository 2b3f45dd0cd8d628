package chaincrypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPrivateKeyHex = "fd73a7b786f9e892f86c47b94213e86db035a58f665ac72382730da79111a844"

func TestEncryptDecryptSequencerKeyRoundTrips(t *testing.T) {
	blob, err := EncryptSequencerKey(testPrivateKeyHex, "correct horse battery staple")
	require.NoError(t, err)

	decrypted, err := DecryptSequencerKey(blob, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, testPrivateKeyHex, decrypted)
}

func TestDecryptSequencerKeyRejectsWrongPassphrase(t *testing.T) {
	blob, err := EncryptSequencerKey(testPrivateKeyHex, "correct passphrase")
	require.NoError(t, err)

	_, err = DecryptSequencerKey(blob, "wrong passphrase")
	assert.Error(t, err)
}

func TestEncryptSequencerKeyRejectsEmptyPassphrase(t *testing.T) {
	_, err := EncryptSequencerKey(testPrivateKeyHex, "")
	assert.Error(t, err)
}

func TestEncryptSequencerKeyRejectsInvalidHex(t *testing.T) {
	_, err := EncryptSequencerKey("not-hex", "pw")
	assert.Error(t, err)
}

func TestEncryptSequencerKeyRejectsWrongLength(t *testing.T) {
	_, err := EncryptSequencerKey("abcd", "pw")
	assert.Error(t, err)
}
