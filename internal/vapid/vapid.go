// Package vapid converts VAPID application server keys between the URL-safe
// base64 form served by the backend and the raw bytes the push registration
// API expects.
package vapid

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// KeySize is the length of an uncompressed P-256 point.
const KeySize = 65

// ErrInvalidKeyFormat is returned when a key string is empty or is not
// URL-safe base64.
var ErrInvalidKeyFormat = errors.New("invalid key format")

var (
	urlSafe    = strings.NewReplacer("-", "+", "_", "/")
	encodedKey = regexp.MustCompile(`^[A-Za-z0-9_-]*={0,2}$`)
)

// Decode converts a URL-safe base64 key into its raw bytes. Surrounding
// whitespace is ignored and missing padding is restored. The standard
// alphabet's "+" and "/" are rejected. A decoded length other
// than KeySize is logged as a warning but not rejected.
func Decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("decode key: empty input: %w", ErrInvalidKeyFormat)
	}

	if !encodedKey.MatchString(s) {
		return nil, fmt.Errorf("decode key: character outside the URL-safe alphabet: %w", ErrInvalidKeyFormat)
	}

	// Strict rejects non-zero trailing bits, so the result always re-encodes to s.
	s = strings.TrimRight(s, "=")
	padded := s + strings.Repeat("=", (4-len(s)%4)%4)
	raw, err := base64.StdEncoding.Strict().DecodeString(urlSafe.Replace(padded))
	if err != nil {
		return nil, fmt.Errorf("decode key: %v: %w", err, ErrInvalidKeyFormat)
	}

	if len(raw) != KeySize {
		slog.Warn("vapid: unexpected decoded key length", "length", len(raw), "want", KeySize)
	}
	return raw, nil
}

// Encode is the inverse of Decode: URL-safe alphabet, no padding.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Equal reports whether two decoded keys are byte-for-byte identical.
// A nil key never equals anything.
func Equal(a, b []byte) bool {
	if a == nil || b == nil {
		return false
	}
	return bytes.Equal(a, b)
}

// GenerateKeys generates a new P-256 key pair for VAPID. The public key is the
// 65-byte uncompressed point and the private key the 32-byte scalar, both
// URL-safe base64 without padding.
func GenerateKeys() (publicKey, privateKey string, err error) {
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate P-256 key: %w", err)
	}

	publicKey = Encode(key.PublicKey().Bytes())
	privateKey = Encode(key.Bytes())
	return publicKey, privateKey, nil
}
