package auth

import (
	"context"
	"fmt"

	"cartaporte.app/internal/audit"
	"cartaporte.app/internal/ids"
	"cartaporte.app/internal/mfa"
	"cartaporte.app/internal/password"
)

// MFAEnrollment is handed back when enrollment starts. The secret and URI
// are shown once; only the encrypted secret is stored.
type MFAEnrollment struct {
	Secret       string
	ProvisionURI string
}

// StartMFAEnrollment generates and stores a fresh encrypted secret without
// enabling MFA yet; ConfirmMFAEnrollment flips the flag once the user proves
// possession. Re-enrolling replaces any previous secret.
func (s *Service) StartMFAEnrollment(ctx context.Context, userID string) (MFAEnrollment, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return MFAEnrollment{}, err
	}
	secret, err := mfa.GenerateSecret()
	if err != nil {
		return MFAEnrollment{}, err
	}
	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return MFAEnrollment{}, err
	}
	user.TOTPSecretEnc = sealed
	user.MFAEnabled = false
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return MFAEnrollment{}, err
	}
	// A new secret invalidates codes generated for the old one.
	if err := s.store.BackupCodes(ctx).DeleteForUser(ctx, user.ID); err != nil {
		return MFAEnrollment{}, err
	}
	return MFAEnrollment{
		Secret:       secret,
		ProvisionURI: mfa.ProvisionURI(secret, user.Email, s.mfaIssuer),
	}, nil
}

// ConfirmMFAEnrollment verifies a code from the authenticator, enables MFA
// and issues a fresh set of single-use backup codes. The prior secret and
// codes are gone once this returns.
func (s *Service) ConfirmMFAEnrollment(ctx context.Context, userID, code string, client ClientContext) ([]string, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.TOTPSecretEnc == "" {
		return nil, ErrMFANotEnrolled
	}
	secret, err := s.sealer.Open(user.TOTPSecretEnc)
	if err != nil {
		return nil, err
	}
	ok, err := mfa.VerifyCode(secret, code, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	codes, records, err := mfa.GenerateBackupCodes(10)
	if err != nil {
		return nil, err
	}
	stored := make([]BackupCodeRecord, len(records))
	for i, r := range records {
		stored[i] = BackupCodeRecord{
			ID:     ids.New(),
			UserID: user.ID,
			Salt:   r.Salt,
			Hash:   r.Hash,
		}
	}
	if err := s.store.BackupCodes(ctx).Replace(ctx, user.ID, stored); err != nil {
		return nil, err
	}

	user.MFAEnabled = true
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return nil, err
	}
	if err := s.auditEvent(ctx, audit.ActionMFAEnrolled, user.ID, client, audit.LevelInfo, nil); err != nil {
		return nil, err
	}
	return codes, nil
}

// RegenerateBackupCodes replaces the user's backup codes, requiring a valid
// TOTP code first.
func (s *Service) RegenerateBackupCodes(ctx context.Context, userID, code string, client ClientContext) ([]string, error) {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !user.MFAEnabled || user.TOTPSecretEnc == "" {
		return nil, ErrMFANotEnrolled
	}
	secret, err := s.sealer.Open(user.TOTPSecretEnc)
	if err != nil {
		return nil, err
	}
	ok, err := mfa.VerifyCode(secret, code, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}

	codes, records, err := mfa.GenerateBackupCodes(10)
	if err != nil {
		return nil, err
	}
	stored := make([]BackupCodeRecord, len(records))
	for i, r := range records {
		stored[i] = BackupCodeRecord{ID: ids.New(), UserID: user.ID, Salt: r.Salt, Hash: r.Hash}
	}
	if err := s.store.BackupCodes(ctx).Replace(ctx, user.ID, stored); err != nil {
		return nil, err
	}
	if err := s.auditEvent(ctx, audit.ActionMFAEnrolled, user.ID, client, audit.LevelInfo, map[string]any{"backup_codes": "regenerated"}); err != nil {
		return nil, err
	}
	return codes, nil
}

// DisableMFA clears the secret and backup codes after re-verifying the
// account password.
func (s *Service) DisableMFA(ctx context.Context, userID, currentPassword string, client ClientContext) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if !password.Verify(currentPassword, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	user.MFAEnabled = false
	user.TOTPSecretEnc = ""
	if err := s.store.Users(ctx).Update(ctx, user); err != nil {
		return err
	}
	if err := s.store.BackupCodes(ctx).DeleteForUser(ctx, user.ID); err != nil {
		return err
	}
	return s.auditEvent(ctx, audit.ActionMFADisabled, user.ID, client, audit.LevelWarning, nil)
}

// RemainingBackupCodes reports how many unused codes the user holds.
func (s *Service) RemainingBackupCodes(ctx context.Context, userID string) (int, error) {
	records, err := s.store.BackupCodes(ctx).List(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list backup codes: %w", err)
	}
	remaining := 0
	for _, r := range records {
		if !r.Used {
			remaining++
		}
	}
	return remaining, nil
}
