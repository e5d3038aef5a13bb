package credentials

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ternarybob/handover/internal/models"
)

// authorizedUserFile matches the JSON written by Google client libraries
// ("token" is the access token) as well as plain oauth2 token JSON.
type authorizedUserFile struct {
	Token        string   `json:"token"`
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenURI     string   `json:"token_uri"`
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	Scopes       []string `json:"scopes"`
	Expiry       string   `json:"expiry"`
}

// ParseTokenJSON converts an exported token file into a CredentialRecord.
// defaults fills fields the file leaves empty.
func ParseTokenJSON(data []byte, defaults models.CredentialRecord) (*models.CredentialRecord, error) {
	var f authorizedUserFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}

	rec := &models.CredentialRecord{
		AccessToken:  firstNonEmpty(f.AccessToken, f.Token),
		RefreshToken: f.RefreshToken,
		TokenURI:     firstNonEmpty(f.TokenURI, defaults.TokenURI),
		ClientID:     firstNonEmpty(f.ClientID, defaults.ClientID),
		ClientSecret: firstNonEmpty(f.ClientSecret, defaults.ClientSecret),
		Scopes:       f.Scopes,
	}
	if len(rec.Scopes) == 0 {
		rec.Scopes = append([]string(nil), defaults.Scopes...)
	}

	if f.Expiry != "" {
		expiry, err := parseExpiry(f.Expiry)
		if err != nil {
			return nil, fmt.Errorf("invalid expiry %q: %w", f.Expiry, err)
		}
		rec.Expiry = expiry
	}

	if rec.RefreshToken == "" && rec.AccessToken == "" {
		return nil, fmt.Errorf("token file contains neither an access token nor a refresh token")
	}
	if rec.TokenURI == "" {
		return nil, fmt.Errorf("token file has no token_uri and no default is configured")
	}
	return rec, nil
}

func parseExpiry(value string) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"}
	var lastErr error
	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
