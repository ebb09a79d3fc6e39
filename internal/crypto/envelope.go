// Package crypto implements the BSO payload envelope: AES-CBC encryption
// with an HMAC-SHA256 authentication tag over ciphertext+IV, and
// per-collection key derivation via HKDF from an externally-supplied sync
// key. Keys are held only for the lifetime of a sync cycle.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrHMACMismatch means the payload's authentication tag did not verify;
// the payload must be treated as corrupt (storecore.ErrCorrupt), never
// decrypted.
var ErrHMACMismatch = errors.New("crypto: hmac verification failed")

// CollectionKey holds the two derived subkeys for one collection: the
// AES key used to encrypt/decrypt, and the HMAC key used to authenticate.
type CollectionKey struct {
	EncryptKey [32]byte
	HMACKey    [32]byte
}

// DeriveCollectionKey derives a CollectionKey from the externally-supplied
// sync key material via HKDF-SHA256, with the collection name as the HKDF
// info parameter so every collection gets an independent key even though
// they share one root secret.
func DeriveCollectionKey(syncKey []byte, collection string) (CollectionKey, error) {
	reader := hkdf.New(sha256.New, syncKey, nil, []byte("driftsync-collection:"+collection))

	var out CollectionKey

	if _, err := io.ReadFull(reader, out.EncryptKey[:]); err != nil {
		return CollectionKey{}, fmt.Errorf("crypto: deriving encrypt key: %w", err)
	}

	if _, err := io.ReadFull(reader, out.HMACKey[:]); err != nil {
		return CollectionKey{}, fmt.Errorf("crypto: deriving hmac key: %w", err)
	}

	return out, nil
}

// envelope is the cleartext-adjacent wire shape of a BSO payload's JSON
// body: {ciphertext, IV, hmac}, all base64-encoded.
type envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"IV"`
	HMAC       string `json:"hmac"`
}

// Encrypt encrypts cleartext (the collection's JSON record body) under
// key, returning the JSON-encoded {ciphertext, IV, hmac} envelope string.
func Encrypt(key CollectionKey, cleartext []byte) (string, error) {
	block, err := aes.NewCipher(key.EncryptKey[:])
	if err != nil {
		return "", fmt.Errorf("crypto: creating cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: generating IV: %w", err)
	}

	padded := pkcs7Pad(cleartext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	tag := computeHMAC(key.HMACKey[:], ciphertext, iv)

	env := envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		IV:         base64.StdEncoding.EncodeToString(iv),
		HMAC:       base64.StdEncoding.EncodeToString(tag),
	}

	out, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("crypto: encoding envelope: %w", err)
	}

	return string(out), nil
}

// Decrypt verifies the HMAC tag and decrypts payload (a JSON-encoded
// {ciphertext, IV, hmac} envelope) under key, returning the cleartext
// record body. Returns ErrHMACMismatch if the tag does not verify.
func Decrypt(key CollectionKey, payload string) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, fmt.Errorf("crypto: decoding envelope: %w", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding IV: %w", err)
	}

	tag, err := base64.StdEncoding.DecodeString(env.HMAC)
	if err != nil {
		return nil, fmt.Errorf("crypto: decoding hmac: %w", err)
	}

	expected := computeHMAC(key.HMACKey[:], ciphertext, iv)
	if !hmac.Equal(expected, tag) {
		return nil, ErrHMACMismatch
	}

	if len(ciphertext)%aes.BlockSize != 0 || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("crypto: malformed ciphertext length")
	}

	block, err := aes.NewCipher(key.EncryptKey[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return pkcs7Unpad(padded)
}

func computeHMAC(key, ciphertext, iv []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(ciphertext)
	mac.Write(iv)

	return mac.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)

	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}

	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("crypto: empty plaintext")
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, fmt.Errorf("crypto: invalid padding")
	}

	return data[:len(data)-padLen], nil
}
