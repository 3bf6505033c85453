package encryption

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	hashScheme  = "pbkdf2-sha256"
	hashSaltLen = 16
	hashKeyLen  = 32
)

// Hash produces an irreversible verifier in the form
// pbkdf2-sha256$<iterations>$<salt>$<key>.
func (s *Service) Hash(secret string) (string, error) {
	salt := make([]byte, hashSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := pbkdf2.Key([]byte(secret), salt, s.hashIterations, hashKeyLen, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s",
		hashScheme,
		s.hashIterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// VerifyHash checks secret against a verifier produced by Hash. Legacy
// bcrypt verifiers are also accepted. Malformed verifiers never match.
func (s *Service) VerifyHash(secret, encoded string) bool {
	if isBcrypt(encoded) {
		return bcrypt.CompareHashAndPassword([]byte(encoded), []byte(secret)) == nil
	}

	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != hashScheme {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil || len(want) == 0 {
		return false
	}

	got := pbkdf2.Key([]byte(secret), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// NeedsRehash reports whether a verifier uses a legacy scheme or fewer
// iterations than currently configured.
func (s *Service) NeedsRehash(encoded string) bool {
	if isBcrypt(encoded) {
		return true
	}
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != hashScheme {
		return true
	}
	iterations, err := strconv.Atoi(parts[1])
	return err != nil || iterations < s.hashIterations
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}
