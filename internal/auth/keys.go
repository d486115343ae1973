package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyPrefix marks keys produced by GenerateKey.
const KeyPrefix = "ocg_"

const keyBytes = 32

// GenerateKey returns a new random credential: KeyPrefix followed by the
// unpadded base64url encoding of 32 bytes from crypto/rand.
func GenerateKey() (string, error) {
	buf := make([]byte, keyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return KeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// ValidateKeyFormat reports whether key looks like a GenerateKey output.
func ValidateKeyFormat(key string) bool {
	if !strings.HasPrefix(key, KeyPrefix) {
		return false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(key, KeyPrefix))
	return err == nil && len(raw) == keyBytes
}
