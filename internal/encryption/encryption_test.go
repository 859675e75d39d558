package encryption

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSealer(t *testing.T) *Sealer {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	s, err := NewSealer(key)
	require.NoError(t, err)
	return s
}

func TestSealOpenRoundTrip(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal("session-token-value")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "session-token-value")

	opened, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "session-token-value", opened)
}

func TestSealEmptyStaysEmpty(t *testing.T) {
	s := newTestSealer(t)

	sealed, err := s.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestSealProducesDistinctCiphertexts(t *testing.T) {
	s := newTestSealer(t)

	a, err := s.Seal("same input")
	require.NoError(t, err)
	b, err := s.Seal("same input")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenPassesThroughPlaintext(t *testing.T) {
	s := newTestSealer(t)

	opened, err := s.Open("legacy-plaintext-token")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext-token", opened)
}

func TestOpenWrongKeyFails(t *testing.T) {
	sealed, err := newTestSealer(t).Seal("secret")
	require.NoError(t, err)

	_, err = newTestSealer(t).Open(sealed)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestOpenTamperedValueFails(t *testing.T) {
	s := newTestSealer(t)
	sealed, err := s.Seal("secret")
	require.NoError(t, err)

	tampered := sealed[:len(sealed)-4] + "AAA="
	if tampered == sealed {
		tampered = sealed[:len(sealed)-4] + "BBB="
	}
	_, err = s.Open(tampered)
	require.Error(t, err)
}

func TestOpenTruncatedValueFails(t *testing.T) {
	s := newTestSealer(t)

	short := sealedPrefix + base64.StdEncoding.EncodeToString([]byte("tiny"))
	_, err := s.Open(short)
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestNewSealerRejectsBadKeys(t *testing.T) {
	_, err := NewSealer("not base64!!!")
	require.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("too short"))
	_, err = NewSealer(short)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestGenerateKeyIsUnique(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	decoded, err := base64.StdEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, decoded, keySize)
	assert.False(t, strings.HasPrefix(a, sealedPrefix))
}
