package auth

import (
	"context"

	"cartaporte.app/internal/password"
)

// NotReused reports whether candidate differs from the user's most recent
// stored hashes. The plaintext never leaves this check.
func NotReused(ctx context.Context, store PasswordHistoryStore, userID, candidate string, keep int) (bool, error) {
	if keep <= 0 {
		keep = 5
	}
	recent, err := store.Recent(ctx, userID, keep)
	if err != nil {
		return false, err
	}
	for _, hash := range recent {
		if password.Verify(candidate, hash) {
			return false, nil
		}
	}
	return true, nil
}

// RecordHistory appends the new hash and prunes entries beyond the retention
// count.
func RecordHistory(ctx context.Context, store PasswordHistoryStore, userID, hash string, keep int) error {
	if keep <= 0 {
		keep = 5
	}
	if err := store.Add(ctx, userID, hash); err != nil {
		return err
	}
	return store.Prune(ctx, userID, keep)
}
