// Package token obtains valid short-lived access tokens for linked accounts,
// refreshing and rotating the stored credentials when needed.
package token

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lildude/trainload/internal/crypto"
	"github.com/lildude/trainload/internal/faults"
	"github.com/lildude/trainload/internal/model"
	"github.com/lildude/trainload/internal/strava"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// expirySlack is how close to expiry a stored access token may be before we
// refresh anyway.
const expirySlack = time.Minute

// tokenResponse is the strict schema for the provider's token endpoint.
// RefreshToken is optional: the provider only sends it on rotation.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
}

type Refresher struct {
	db     *gorm.DB
	cipher crypto.Cipher
	log    logrus.FieldLogger
	hc     *http.Client
	now    func() time.Time
}

func NewRefresher(db *gorm.DB, cipher crypto.Cipher, log logrus.FieldLogger) *Refresher {
	return &Refresher{
		db:     db,
		cipher: cipher,
		log:    log,
		hc:     &http.Client{Timeout: 15 * time.Second},
		now:    time.Now,
	}
}

// AccessToken returns a valid plaintext access token for the account. The
// stored token is reused while it is comfortably short of expiry; otherwise
// the refresh credential is exchanged and, when the provider rotates it, the
// new refresh credential is re-encrypted and persisted before returning.
func (r *Refresher) AccessToken(ctx context.Context, acct *model.Account) (string, error) {
	if acct.AccessToken != "" && acct.TokenExpiry != nil && acct.TokenExpiry.After(r.now().Add(expirySlack)) {
		access, err := r.cipher.Open(acct.AccessToken)
		if err == nil {
			return access, nil
		}
		// Fall through to a refresh; the refresh credential gets its own
		// wrong-key check below.
		r.log.WithError(err).Warn("stored access token undecryptable, refreshing")
	}

	refresh, err := r.cipher.Open(acct.RefreshToken)
	if err != nil {
		// Covers crypto.ErrWrongKey (key absent or rotated) and garbage
		// ciphertext alike; both require the user to re-link.
		return "", faults.New(faults.KindCredentialUnavailable, "token.AccessToken", err)
	}

	tr, err := r.exchange(ctx, refresh)
	if err != nil {
		return "", err
	}

	rotated := tr.RefreshToken != "" && tr.RefreshToken != refresh
	expiry := time.Unix(tr.ExpiresAt, 0).UTC()

	updates := map[string]any{"token_expiry": &expiry}
	if sealed, err := r.cipher.Seal(tr.AccessToken); err == nil {
		updates["access_token"] = sealed
	}
	if rotated {
		sealed, err := r.cipher.Seal(tr.RefreshToken)
		if err != nil {
			r.log.WithError(err).Error("encrypting rotated refresh token")
		} else {
			updates["refresh_token"] = sealed
		}
	}
	// A failed persist is logged, not returned: the old refresh credential
	// stays usable until the next rotation.
	if err := r.db.Model(acct).Updates(updates).Error; err != nil {
		r.log.WithError(err).WithField("account", acct.ID).Warn("persisting rotated credentials")
	}

	return tr.AccessToken, nil
}

func (r *Refresher) exchange(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{
		"client_id":     {strava.OauthConfig.ClientID},
		"client_secret": {strava.OauthConfig.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strava.OauthConfig.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, faults.New(faults.KindTransientFetch, "token.exchange", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, faults.New(faults.KindTransientFetch, "token.exchange", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return nil, faults.Errorf(faults.KindInvalidCredential, "token.exchange", "token endpoint returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, faults.Errorf(faults.KindRateLimited, "token.exchange", "token endpoint returned 429")
	case resp.StatusCode >= 300:
		return nil, faults.Errorf(faults.KindTransientFetch, "token.exchange", "token endpoint returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.New(faults.KindTransientFetch, "token.exchange", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, faults.New(faults.KindTransientFetch, "token.exchange", err)
	}
	if tr.AccessToken == "" {
		return nil, faults.Errorf(faults.KindTransientFetch, "token.exchange", "token endpoint response missing access_token")
	}

	return &tr, nil
}
