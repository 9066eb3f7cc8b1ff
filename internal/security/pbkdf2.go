package security

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Key derives a key of keyLen bytes using PBKDF2-HMAC-SHA256
func pbkdf2Key(secret, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(secret, salt, iterations, keyLen, sha256.New)
}
