package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecker(t *testing.T) {
	// sha256("keyhttps://www.algolab.com.tr/ws")
	got := Checker("key", "https://www.algolab.com.tr", "/ws")
	assert.Len(t, got, 64)
	assert.Equal(t, got, Checker("key", "https://www.algolab.com.tr", "/ws"))
	assert.NotEqual(t, got, Checker("key", "https://algolab.com.tr", "/ws"))
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		Checker("", "", ""),
	)
}

func TestEncryptDecryptSecret(t *testing.T) {
	blob, err := EncryptSecret("API-abc123", "hunter2")
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "API-abc123")

	secret, err := DecryptSecret(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "API-abc123", secret)

	_, err = DecryptSecret(blob, "wrong")
	assert.ErrorContains(t, err, "decryption failed")
}

func TestEncryptSecretRejectsEmpty(t *testing.T) {
	_, err := EncryptSecret("x", "")
	assert.Error(t, err)
	_, err = EncryptSecret("", "pw")
	assert.Error(t, err)
	_, err = DecryptSecret([]byte(`{"version":2}`), "pw")
	assert.ErrorContains(t, err, "unsupported version")
}

func TestLoadSecret(t *testing.T) {
	got, err := LoadSecret(SecretConfig{Raw: "  raw-key \n"})
	require.NoError(t, err)
	assert.Equal(t, "raw-key", got)

	blob, err := EncryptSecret("file-key", "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err = LoadSecret(SecretConfig{EncryptedPath: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "file-key", got)

	_, err = LoadSecret(SecretConfig{})
	assert.Error(t, err)
}
