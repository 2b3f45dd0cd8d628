package chain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeHexSignatureStripsPrefix(t *testing.T) {
	raw := strings.Repeat("ab", 65)
	for _, prefixed := range []string{raw, "0x" + raw, "0X" + raw} {
		got, err := decodeHexSignature(prefixed)
		require.NoError(t, err)
		assert.Len(t, got, 65)
	}
}

func TestDecodeHexSignatureRejectsInvalidHex(t *testing.T) {
	_, err := decodeHexSignature("0xnothex")
	assert.Error(t, err)
}

func TestGasLimitFinalCloseIsPositive(t *testing.T) {
	assert.Greater(t, int64(gasLimitFinalClose), int64(21000))
}
