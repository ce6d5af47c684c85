// Package license implements the versioned encrypted license payload format.
//
// Wire layout (base64 standard encoding):
//
//	IV (16 bytes) || HMAC-SHA256 (32 bytes) || AES-256-CBC ciphertext
//
// The HMAC is computed over IV || ciphertext || accountId with the user's
// master key, which binds the ciphertext to one account: the same blob
// presented for a different account fails verification even under the same
// key. AES-CBC itself carries no integrity; the HMAC supplies it.
package license

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"sankey-license-server/internal/apperr"
)

// CurrentVersion is the only payload version in circulation. The decoder
// dispatches on the version tag and fails closed on anything else.
const CurrentVersion = 1

const (
	ivSize     = aes.BlockSize
	macSize    = sha256.Size
	headerSize = ivSize + macSize
)

// PayloadV1 is the version-1 license plaintext. It is constructed fresh at
// issuance, serialized, encrypted, and discarded.
type PayloadV1 struct {
	Version   int       `json:"version"`
	EAName    string    `json:"eaName"`
	AccountID string    `json:"accountId"`
	Expiry    time.Time `json:"expiry"`
	UserID    string    `json:"userId"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// NewPayload constructs a version-1 payload with UTC timestamps.
func NewPayload(eaName, accountID, userID string, expiry, issuedAt time.Time) PayloadV1 {
	return PayloadV1{
		Version:   CurrentVersion,
		EAName:    eaName,
		AccountID: accountID,
		Expiry:    expiry.UTC(),
		UserID:    userID,
		IssuedAt:  issuedAt.UTC(),
	}
}

// Encrypt serializes and encrypts a payload under the user's master key.
func Encrypt(key []byte, payload PayloadV1) (string, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	if payload.Version != CurrentVersion {
		return "", fmt.Errorf("unsupported payload version %d", payload.Version)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize license payload: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := computeMAC(key, iv, ciphertext, payload.AccountID)

	blob := make([]byte, 0, headerSize+len(ciphertext))
	blob = append(blob, iv...)
	blob = append(blob, mac...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt verifies and decrypts a license blob for the given account. All
// failure modes (bad encoding, wrong key, tampered blob, version or account
// mismatch) collapse to one opaque error kind; the distinction lives only in
// the wrapped cause, which callers must not surface.
func Decrypt(key []byte, encoded, accountID string) (*PayloadV1, error) {
	if len(key) != 32 {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("master key must be 32 bytes, got %d", len(key)))
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("invalid base64: %w", err))
	}
	if len(blob) < headerSize+aes.BlockSize {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("blob too short: %d bytes", len(blob)))
	}

	iv := blob[:ivSize]
	mac := blob[ivSize:headerSize]
	ciphertext := blob[headerSize:]

	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("ciphertext length %d not block aligned", len(ciphertext)))
	}

	expected := computeMAC(key, iv, ciphertext, accountID)
	if !hmac.Equal(mac, expected) {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("hmac mismatch"))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("failed to init cipher: %w", err))
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, apperr.LicenseDecodeFailed(err)
	}

	var version struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(plaintext, &version); err != nil {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("invalid payload json: %w", err))
	}
	if version.Version != CurrentVersion {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("unknown payload version %d", version.Version))
	}

	var payload PayloadV1
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("invalid v1 payload: %w", err))
	}

	if payload.AccountID != accountID {
		return nil, apperr.LicenseDecodeFailed(fmt.Errorf("payload account %q does not match caller account", payload.AccountID))
	}

	return &payload, nil
}

func computeMAC(key, iv, ciphertext []byte, accountID string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write([]byte(accountID))
	return mac.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
