package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKDFParams_Validate(t *testing.T) {
	tests := []struct {
		name    string
		params  KDFParams
		wantErr string
	}{
		{"default profile", DefaultKDFParams(), ""},
		{"at the floor", NewKDFParams(MinKDFIterations), ""},
		{"below the floor", NewKDFParams(MinKDFIterations - 1), "below minimum"},
		{"unknown KDF", KDFParams{Name: "scrypt", Iterations: DefaultKDFIterations, KeyLen: KeySize}, "unsupported KDF"},
		{"short key", KDFParams{Name: KDFPBKDF2SHA256, Iterations: DefaultKDFIterations, KeyLen: 16}, "key length"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKDFParams_Weaker(t *testing.T) {
	target := DefaultKDFParams()

	assert.True(t, NewKDFParams(MinKDFIterations).Weaker(target))
	assert.False(t, target.Weaker(target))
	assert.False(t, NewKDFParams(DefaultKDFIterations*2).Weaker(target))
}

func TestDeriveKey(t *testing.T) {
	salt := make([]byte, SaltSize)

	t.Run("deterministic", func(t *testing.T) {
		k1, err := DeriveKey([]byte("pw"), salt, fastKDF)
		require.NoError(t, err)
		k2, err := DeriveKey([]byte("pw"), salt, fastKDF)
		require.NoError(t, err)
		assert.Equal(t, k1, k2)
		assert.Len(t, k1, KeySize)
	})

	t.Run("salt changes the key", func(t *testing.T) {
		other := make([]byte, SaltSize)
		other[0] = 1
		k1, err := DeriveKey([]byte("pw"), salt, fastKDF)
		require.NoError(t, err)
		k2, err := DeriveKey([]byte("pw"), other, fastKDF)
		require.NoError(t, err)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("rejects short salt", func(t *testing.T) {
		_, err := DeriveKey([]byte("pw"), []byte("short"), fastKDF)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "salt too short")
	})

	t.Run("rejects zero iterations", func(t *testing.T) {
		_, err := DeriveKey([]byte("pw"), salt, NewKDFParams(0))
		assert.Error(t, err)
	})
}
