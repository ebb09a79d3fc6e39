package crypto

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveCollectionKeyDeterministic(t *testing.T) {
	syncKey := []byte("root-sync-key-material")

	k1, err := DeriveCollectionKey(syncKey, "bookmarks")
	require.NoError(t, err)

	k2, err := DeriveCollectionKey(syncKey, "bookmarks")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestDeriveCollectionKeyDiffersPerCollection(t *testing.T) {
	syncKey := []byte("root-sync-key-material")

	bookmarks, err := DeriveCollectionKey(syncKey, "bookmarks")
	require.NoError(t, err)

	history, err := DeriveCollectionKey(syncKey, "history")
	require.NoError(t, err)

	assert.NotEqual(t, bookmarks.EncryptKey, history.EncryptKey)
	assert.NotEqual(t, bookmarks.HMACKey, history.HMACKey)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := DeriveCollectionKey([]byte("root-sync-key-material"), "bookmarks")
	require.NoError(t, err)

	cleartext := []byte(`{"title":"Example","url":"https://example.com"}`)

	payload, err := Encrypt(key, cleartext)
	require.NoError(t, err)

	got, err := Decrypt(key, payload)
	require.NoError(t, err)
	assert.Equal(t, cleartext, got)
}

func TestEncryptProducesDistinctIVsEachCall(t *testing.T) {
	key, err := DeriveCollectionKey([]byte("root-sync-key-material"), "bookmarks")
	require.NoError(t, err)

	p1, err := Encrypt(key, []byte("same-cleartext"))
	require.NoError(t, err)

	p2, err := Encrypt(key, []byte("same-cleartext"))
	require.NoError(t, err)

	assert.NotEqual(t, p1, p2, "distinct IVs must make ciphertexts differ")
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, err := DeriveCollectionKey([]byte("root-sync-key-material"), "bookmarks")
	require.NoError(t, err)

	payload, err := Encrypt(key, []byte("original"))
	require.NoError(t, err)

	var env struct {
		Ciphertext string `json:"ciphertext"`
		IV         string `json:"IV"`
		HMAC       string `json:"hmac"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload), &env))

	raw, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	env.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	tampered, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = Decrypt(key, string(tampered))
	assert.ErrorIs(t, err, ErrHMACMismatch)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key1, err := DeriveCollectionKey([]byte("sync-key-one"), "bookmarks")
	require.NoError(t, err)

	key2, err := DeriveCollectionKey([]byte("sync-key-two"), "bookmarks")
	require.NoError(t, err)

	payload, err := Encrypt(key1, []byte("secret"))
	require.NoError(t, err)

	_, err = Decrypt(key2, payload)
	assert.ErrorIs(t, err, ErrHMACMismatch)
}

func TestPKCS7PadUnpadRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 15, 16, 17, 33} {
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i)
		}

		padded := pkcs7Pad(data, 16)
		assert.Equal(t, 0, len(padded)%16)

		unpadded, err := pkcs7Unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, data, unpadded)
	}
}
