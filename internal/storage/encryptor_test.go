package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCMSealer_RoundTrip(t *testing.T) {
	sealer, err := NewAESGCMSealer("configured-secret")
	require.NoError(t, err)

	plaintext := []byte("the payload")

	envelope, err := sealer.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, envelope)

	got, err := sealer.Open(envelope)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestAESGCMSealer_NonceIsFresh(t *testing.T) {
	sealer, err := NewAESGCMSealer("configured-secret")
	require.NoError(t, err)

	a, err := sealer.Seal([]byte("same input"))
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAESGCMSealer_TamperDetected(t *testing.T) {
	sealer, err := NewAESGCMSealer("configured-secret")
	require.NoError(t, err)

	envelope, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)

	envelope[len(envelope)-1] ^= 0xff

	_, err = sealer.Open(envelope)
	assert.Error(t, err)
}

func TestAESGCMSealer_WrongSecret(t *testing.T) {
	a, err := NewAESGCMSealer("secret-a")
	require.NoError(t, err)
	b, err := NewAESGCMSealer("secret-b")
	require.NoError(t, err)

	envelope, err := a.Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Open(envelope)
	assert.Error(t, err)
}

func TestAESGCMSealer_ShortEnvelope(t *testing.T) {
	sealer, err := NewAESGCMSealer("configured-secret")
	require.NoError(t, err)

	_, err = sealer.Open([]byte{1, 2, 3})
	assert.Error(t, err)
}
