package mfa

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	backupCodeGroups    = 2
	backupCodeGroupLen  = 5
	backupSaltLength    = 16
	backupHashIter      = 4096
	backupHashKeyLength = 32
)

// Unambiguous alphabet: no 0/O, 1/I/L.
const backupAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

// BackupCode is the stored form of a single-use fallback code. Only the
// salted hash is persisted.
type BackupCode struct {
	Salt string
	Hash string
	Used bool
}

// GenerateBackupCodes returns n human-readable codes together with their
// storage records. The plaintext codes are shown to the user once.
func GenerateBackupCodes(n int) ([]string, []BackupCode, error) {
	if n <= 0 {
		n = 10
	}
	codes := make([]string, 0, n)
	records := make([]BackupCode, 0, n)
	for i := 0; i < n; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, nil, err
		}
		rec, err := hashBackupCode(code)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		records = append(records, rec)
	}
	return codes, records, nil
}

// MatchBackupCode scans records for an unused code matching candidate and
// returns its index, or -1. Comparison is constant-time per record and the
// first match wins.
func MatchBackupCode(candidate string, records []BackupCode) int {
	normalized := normalizeBackupCode(candidate)
	if normalized == "" {
		return -1
	}
	for i, rec := range records {
		if rec.Used {
			continue
		}
		salt, err := hex.DecodeString(rec.Salt)
		if err != nil {
			continue
		}
		want, err := hex.DecodeString(rec.Hash)
		if err != nil {
			continue
		}
		got := pbkdf2.Key([]byte(normalized), salt, backupHashIter, backupHashKeyLength, sha256.New)
		if subtle.ConstantTimeCompare(got, want) == 1 {
			return i
		}
	}
	return -1
}

func randomBackupCode() (string, error) {
	raw := make([]byte, backupCodeGroups*backupCodeGroupLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	var b strings.Builder
	for i, r := range raw {
		if i > 0 && i%backupCodeGroupLen == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(backupAlphabet[int(r)%len(backupAlphabet)])
	}
	return b.String(), nil
}

func hashBackupCode(code string) (BackupCode, error) {
	salt := make([]byte, backupSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return BackupCode{}, fmt.Errorf("generate salt: %w", err)
	}
	sum := pbkdf2.Key([]byte(normalizeBackupCode(code)), salt, backupHashIter, backupHashKeyLength, sha256.New)
	return BackupCode{
		Salt: hex.EncodeToString(salt),
		Hash: hex.EncodeToString(sum),
	}, nil
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}
