// Package store holds the account-level persistence helpers that sit outside
// the sync jobs themselves: linking an account from an exchanged token and
// deriving the user-visible sync status.
package store

import (
	"fmt"
	"time"

	"github.com/lildude/trainload/internal/crypto"
	"github.com/lildude/trainload/internal/model"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

// staleAfter is how old a successful sync may be before the account reads
// as stale.
const staleAfter = 24 * time.Hour

// LinkAccount creates or updates the Account row for a user from a freshly
// exchanged OAuth token, encrypting the credential material at rest. The
// authorization-code exchange itself happens outside this core.
func LinkAccount(db *gorm.DB, cipher crypto.Cipher, userID int64, tok *oauth2.Token) (*model.Account, error) {
	access, err := cipher.Seal(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting access token: %w", err)
	}
	refresh, err := cipher.Seal(tok.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("encrypting refresh token: %w", err)
	}

	var acct model.Account
	err = db.Where(model.Account{UserID: userID, Provider: model.ProviderStrava}).FirstOrCreate(&acct).Error
	if err != nil {
		return nil, fmt.Errorf("finding or creating account for user %d: %w", userID, err)
	}

	expiry := tok.Expiry.UTC()
	updates := map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_expiry":  &expiry,
		"needs_reauth":  false,
		"last_error":    "",
	}
	if err := db.Model(&acct).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("storing credentials for user %d: %w", userID, err)
	}

	return &acct, nil
}

// SyncStatus derives the presentation-layer status field for an account.
func SyncStatus(a *model.Account) string {
	switch {
	case a.LastError != "" || a.NeedsReauth:
		return "error"
	case a.LastSyncAt == nil:
		return "syncing"
	case time.Since(*a.LastSyncAt) > staleAfter:
		return "stale"
	default:
		return "ok"
	}
}
