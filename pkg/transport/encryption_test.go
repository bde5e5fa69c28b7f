package transport_test

import (
	"crypto/rand"
	"testing"

	"github.com/pbalcer/naia/pkg/transport"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestCipherSealOpenRoundTrip(t *testing.T) {
	c, err := transport.NewCipher(testKey(t))
	require.NoError(t, err)

	plaintext := []byte("a packet body worth keeping secret")
	sealed, err := c.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestCipherOpenRejectsTamperedCiphertext(t *testing.T) {
	c, err := transport.NewCipher(testKey(t))
	require.NoError(t, err)

	sealed, err := c.Seal([]byte("hello"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = c.Open(sealed)
	require.Error(t, err)
}

func TestCipherOpenRejectsTruncatedInput(t *testing.T) {
	c, err := transport.NewCipher(testKey(t))
	require.NoError(t, err)

	_, err = c.Open([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestCipherRequiresDistinctNoncesPerSeal(t *testing.T) {
	c, err := transport.NewCipher(testKey(t))
	require.NoError(t, err)

	a, err := c.Seal([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := c.Seal([]byte("same plaintext"))
	require.NoError(t, err)

	require.NotEqual(t, a, b, "each Seal must draw a fresh nonce")
}
