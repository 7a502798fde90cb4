package license

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

const (
	keySegments   = 4
	keySegmentLen = 6
	keyCharset    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var (
	keyPattern         = regexp.MustCompile(`^[A-Z]{3}-[A-Z0-9]{6}-[A-Z0-9]{6}-[A-Z0-9]{6}-[A-Z0-9]{6}$`)
	fingerprintPattern = regexp.MustCompile(`(?i)^FP-[a-f0-9]{8}-[a-f0-9]{8}-[a-f0-9]{8}$`)
)

// GenerateKey builds a human-readable license key for the given tier:
// a 3-letter uppercase tier prefix plus four random base36 segments.
// Keys are not guaranteed globally unique by construction; creation treats
// a hash collision as a (rare) failure.
func GenerateKey(t Type) (string, error) {
	prefix := strings.ToUpper(string(t))
	if len(prefix) < 3 {
		return "", fmt.Errorf("license type %q too short for key prefix", t)
	}
	prefix = prefix[:3]

	parts := make([]string, 0, keySegments+1)
	parts = append(parts, prefix)
	buf := make([]byte, keySegmentLen)
	for i := 0; i < keySegments; i++ {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random key segment: %w", err)
		}
		seg := make([]byte, keySegmentLen)
		for j, b := range buf {
			seg[j] = keyCharset[int(b)%len(keyCharset)]
		}
		parts = append(parts, string(seg))
	}

	return strings.Join(parts, "-"), nil
}

// HashKey derives the deterministic storage hash for a license key.
// HMAC-SHA256 keyed with the server secret: deterministic so the hash can
// serve as the lookup column, salted so a leaked table does not expose keys.
func HashKey(secret, key string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// ValidKeyFormat reports whether key matches the
// XXX-XXXXXX-XXXXXX-XXXXXX-XXXXXX license key format. Case matters: keys
// are uppercase by construction.
func ValidKeyFormat(key string) bool {
	return keyPattern.MatchString(key)
}

// ValidFingerprintFormat reports whether fp matches the
// FP-xxxxxxxx-xxxxxxxx-xxxxxxxx machine fingerprint format.
func ValidFingerprintFormat(fp string) bool {
	return fingerprintPattern.MatchString(fp)
}

// TypeFromKey maps a key's 3-letter prefix back to its tier. It only looks
// at the prefix, so it is safe for unauthenticated format-only queries.
func TypeFromKey(key string) Type {
	switch {
	case strings.HasPrefix(key, "TRI"):
		return TypeTrial
	case strings.HasPrefix(key, "STA"):
		return TypeStandard
	case strings.HasPrefix(key, "ENT"):
		return TypeEnterprise
	default:
		return ""
	}
}

// MaskKey renders a license key safe for logs: prefix and last segment only.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
