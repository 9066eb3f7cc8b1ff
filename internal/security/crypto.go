package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDecryption is returned on any decrypt failure: wrong key material,
	// corrupted ciphertext or bad padding. Callers get no finer detail.
	ErrDecryption = errors.New("decryption failed")

	// ErrIntegrity is returned when a decrypted payload fails its checksum.
	// Surfaced to users as possible tampering.
	ErrIntegrity = errors.New("integrity verification failed")

	// ErrMalformedKey is returned when a license key cannot be decoded at all
	ErrMalformedKey = errors.New("malformed license key")
)

const (
	saltSize = 16
	keySize  = 32 // AES-256

	envelopeVersionLegacy    = 1
	envelopeVersionEncrypted = 2
)

// EncryptedPayload is the output of Encrypt. Salt and IV are unique per call;
// nothing is ever reused across calls.
type EncryptedPayload struct {
	Ciphertext []byte `json:"ciphertext"`
	IV         []byte `json:"iv"`
	Salt       []byte `json:"salt"`
}

// CryptoConfig carries the static key material for the offline scheme
type CryptoConfig struct {
	EncryptionKey string
	SigningKey    string
	Iterations    int
}

// CryptoService provides symmetric encryption, key derivation and HMAC
// signing for the license stores. All operations are stateless given the
// fixed configuration.
type CryptoService struct {
	encryptionKey []byte
	signingKey    []byte
	iterations    int
}

// NewCryptoService creates a crypto service from static configuration
func NewCryptoService(cfg CryptoConfig) (*CryptoService, error) {
	if len(cfg.EncryptionKey) < 16 {
		return nil, errors.New("encryption key must be at least 16 bytes")
	}
	if len(cfg.SigningKey) < 16 {
		return nil, errors.New("signing key must be at least 16 bytes")
	}
	if cfg.Iterations < 10_000 {
		return nil, fmt.Errorf("pbkdf2 iteration count too low: %d", cfg.Iterations)
	}
	return &CryptoService{
		encryptionKey: []byte(cfg.EncryptionKey),
		signingKey:    []byte(cfg.SigningKey),
		iterations:    cfg.Iterations,
	}, nil
}

// Encrypt derives a per-call key via PBKDF2 over a fresh salt and encrypts
// the plaintext with AES-256-CBC under a fresh random IV.
func (c *CryptoService) Encrypt(plaintext []byte) (*EncryptedPayload, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := c.deriveKey(salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return &EncryptedPayload{
		Ciphertext: ciphertext,
		IV:         iv,
		Salt:       salt,
	}, nil
}

// Decrypt re-derives the key from the payload's salt and decrypts. Any
// mismatch, corruption or padding failure yields ErrDecryption.
func (c *CryptoService) Decrypt(payload *EncryptedPayload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrDecryption)
	}
	if len(payload.IV) != aes.BlockSize || len(payload.Salt) != saltSize {
		return nil, fmt.Errorf("%w: bad iv or salt length", ErrDecryption)
	}
	if len(payload.Ciphertext) == 0 || len(payload.Ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad ciphertext length", ErrDecryption)
	}

	key := c.deriveKey(payload.Salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	plaintext := make([]byte, len(payload.Ciphertext))
	cipher.NewCBCDecrypter(block, payload.IV).CryptBlocks(plaintext, payload.Ciphertext)

	unpadded, err := unpadPKCS7(plaintext, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return unpadded, nil
}

// Sign computes an HMAC-SHA256 signature over data, hex encoded
func (c *CryptoService) Sign(data []byte) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignFields signs the canonical serialization of the given fields. Fields
// are joined with a separator that cannot appear in the canonical forms.
func (c *CryptoService) SignFields(fields ...string) string {
	return c.Sign([]byte(strings.Join(fields, "\x1f")))
}

// Verify recomputes the signature and compares in constant time
func (c *CryptoService) Verify(data []byte, signature string) bool {
	expected := c.Sign(data)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// VerifyFields verifies a signature produced by SignFields
func (c *CryptoService) VerifyFields(signature string, fields ...string) bool {
	return c.Verify([]byte(strings.Join(fields, "\x1f")), signature)
}

// keyEnvelope is the self-describing wire form of a license key. Version 2
// carries an encrypted payload plus a checksum of the decrypted plaintext;
// version 1 is the legacy unencrypted encoding kept for old keys.
type keyEnvelope struct {
	Version  int               `json:"v"`
	Payload  json.RawMessage   `json:"payload"`
	Enc      *EncryptedPayload `json:"enc,omitempty"`
	Checksum string            `json:"checksum,omitempty"`
}

// DecodeLicenseKey decodes a license key envelope and returns the verified
// plaintext license document. Encrypted envelopes are decrypted and their
// embedded checksum validated before anything is returned; a checksum
// mismatch is ErrIntegrity. The legacy plain encoding is accepted as-is.
func (c *CryptoService) DecodeLicenseKey(encodedKey string) ([]byte, error) {
	trimmed := strings.TrimSpace(encodedKey)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty key", ErrMalformedKey)
	}

	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		// Padded and standard encodings show up from copy-paste sources
		if raw, err = base64.StdEncoding.DecodeString(trimmed); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
	}

	var envelope keyEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	switch envelope.Version {
	case envelopeVersionEncrypted:
		if envelope.Enc == nil {
			return nil, fmt.Errorf("%w: missing encrypted payload", ErrMalformedKey)
		}
		plaintext, err := c.Decrypt(envelope.Enc)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256(plaintext)
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(envelope.Checksum)) != 1 {
			return nil, fmt.Errorf("%w: license key checksum mismatch", ErrIntegrity)
		}
		return plaintext, nil

	case envelopeVersionLegacy:
		if len(envelope.Payload) == 0 {
			return nil, fmt.Errorf("%w: missing payload", ErrMalformedKey)
		}
		return envelope.Payload, nil

	default:
		return nil, fmt.Errorf("%w: unsupported envelope version %d", ErrMalformedKey, envelope.Version)
	}
}

// EncodeLicenseKey builds a version 2 encrypted envelope around a license
// document. Used by tests and the support tooling; issuance itself happens
// out-of-band with the same scheme.
func (c *CryptoService) EncodeLicenseKey(plaintext []byte) (string, error) {
	enc, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(plaintext)
	envelope := keyEnvelope{
		Version:  envelopeVersionEncrypted,
		Enc:      enc,
		Checksum: hex.EncodeToString(sum[:]),
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// EncodeLegacyLicenseKey builds a version 1 unencrypted envelope
func (c *CryptoService) EncodeLegacyLicenseKey(plaintext []byte) (string, error) {
	envelope := keyEnvelope{
		Version: envelopeVersionLegacy,
		Payload: plaintext,
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal key envelope: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func (c *CryptoService) deriveKey(salt []byte) []byte {
	return pbkdf2Key(c.encryptionKey, salt, c.iterations, keySize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padded length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-padding], nil
}
