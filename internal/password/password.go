// Package password implements the credential strength policy and the one-way
// hashing used for stored passwords. Raw passwords and hashes never leave
// this package except as opaque PHC strings.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

const (
	argonMemory      = 64 * 1024
	argonIterations  = 2
	argonParallelism = 1
	argonKeyLength   = 32
	argonSaltLength  = 16
)

var errMalformedHash = errors.New("password: malformed hash")

// Hash derives an argon2id digest in PHC string format.
func Hash(password string) (string, error) {
	if password == "" {
		return "", errors.New("password: empty password")
	}
	salt := make([]byte, argonSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	digest := argon2.IDKey([]byte(password), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)

	return fmt.Sprintf(
		"$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory,
		argonIterations,
		argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(digest),
	), nil
}

// Verify reports whether password matches the stored PHC hash. Parameters are
// taken from the hash itself so old records survive cost changes.
func Verify(password, encoded string) bool {
	memory, iterations, parallelism, salt, digest, err := decodeHash(encoded)
	if err != nil {
		return false
	}
	candidate := argon2.IDKey([]byte(password), salt, iterations, memory, parallelism, uint32(len(digest)))
	return subtle.ConstantTimeCompare(candidate, digest) == 1
}

func decodeHash(encoded string) (memory uint32, iterations uint32, parallelism uint8, salt, digest []byte, err error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return 0, 0, 0, nil, nil, errMalformedHash
	}
	var version int
	if _, err = fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return 0, 0, 0, nil, nil, errMalformedHash
	}
	var p uint8
	if _, err = fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &p); err != nil {
		return 0, 0, 0, nil, nil, errMalformedHash
	}
	salt, err = base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return 0, 0, 0, nil, nil, errMalformedHash
	}
	digest, err = base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return 0, 0, 0, nil, nil, errMalformedHash
	}
	return memory, iterations, p, salt, digest, nil
}

// Policy is the configured strength rule for new passwords.
type Policy struct {
	MinLength int
}

// DefaultPolicy matches the production configuration defaults.
func DefaultPolicy() Policy { return Policy{MinLength: 8} }

// Check validates password against the policy and returns the list of
// violated rules. An empty list means the password is acceptable.
func (p Policy) Check(password string) []string {
	minLen := p.MinLength
	if minLen <= 0 {
		minLen = 8
	}

	var reasons []string
	if len(password) < minLen {
		reasons = append(reasons, fmt.Sprintf("must be at least %d characters long", minLen))
	}
	var hasLower, hasUpper, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	if !hasLower {
		reasons = append(reasons, "must contain a lowercase letter")
	}
	if !hasUpper {
		reasons = append(reasons, "must contain an uppercase letter")
	}
	if !hasDigit {
		reasons = append(reasons, "must contain a digit")
	}
	if !hasSymbol {
		reasons = append(reasons, "must contain a symbol")
	}
	return reasons
}
