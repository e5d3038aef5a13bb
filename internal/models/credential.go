package models

import (
	"time"

	"golang.org/x/oauth2"
)

// CredentialRecord is an OAuth token set for the automation account.
// It must never be written to storage unencrypted.
type CredentialRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenURI     string    `json:"token_uri"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	Scopes       []string  `json:"scopes"`
	Expiry       time.Time `json:"expiry"`
}

// NeedsRefresh reports whether the access token is missing, expired, or
// expires within margin of now. A zero expiry is treated as "unknown" and
// forces a refresh.
func (c *CredentialRecord) NeedsRefresh(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" || c.Expiry.IsZero() {
		return true
	}
	return !now.Add(margin).Before(c.Expiry)
}

// Token converts the record into an oauth2 token
func (c *CredentialRecord) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       c.Expiry,
	}
}

// WithToken returns a copy updated from a refreshed token. The refresh token
// is kept when the auth server does not rotate it.
func (c CredentialRecord) WithToken(tok *oauth2.Token) CredentialRecord {
	c.AccessToken = tok.AccessToken
	c.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		c.RefreshToken = tok.RefreshToken
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return c
}

// StoredCredential is the persisted form: an opaque ciphertext plus
// bookkeeping that is safe to keep in the clear.
type StoredCredential struct {
	ID         string    `json:"id"`
	Ciphertext []byte    `json:"ciphertext"`
	Version    int       `json:"version"` // incremented on every save
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// ImportedAt is set by the caller on an operator import and left zero
	// on token refreshes, which carry the previous import forward.
	// ImportVersion counts imports and is assigned by storage.
	ImportedAt    time.Time `json:"imported_at"`
	ImportVersion int       `json:"import_version"`
}

// DirectoryGroupScope lets an admin-granted token list Workspace groups.
// It is not a default since most automation accounts are not admins.
const DirectoryGroupScope = "https://www.googleapis.com/auth/admin.directory.group.readonly"

// DefaultScopes are the OAuth scopes the automation account needs
var DefaultScopes = []string{
	"https://www.googleapis.com/auth/drive",
	"https://www.googleapis.com/auth/gmail.readonly",
	"https://www.googleapis.com/auth/gmail.modify",
}
