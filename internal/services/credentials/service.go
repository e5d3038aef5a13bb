// Package credentials persists the automation account's OAuth credentials
// encrypted at rest and keeps the access token fresh.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"

	"github.com/ternarybob/handover/internal/interfaces"
	"github.com/ternarybob/handover/internal/models"
)

// CredentialID is the storage key of the single automation credential
const CredentialID = "primary"

// Refresher exchanges a refresh token for a new access token
type Refresher func(ctx context.Context, rec *models.CredentialRecord) (*oauth2.Token, error)

// Service implements load/save/ensureValid over encrypted storage
type Service struct {
	storage   interfaces.CredentialStorage
	cipher    *Cipher
	margin    time.Duration
	refresher Refresher
	logger    arbor.ILogger
	now       func() time.Time

	mu sync.Mutex
}

// Option configures a Service
type Option func(*Service)

// WithRefresher replaces the oauth2 refresh exchange
func WithRefresher(r Refresher) Option {
	return func(s *Service) { s.refresher = r }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a credential service. margin is how close to expiry a
// token may get before it is refreshed.
func NewService(storage interfaces.CredentialStorage, cipher *Cipher, margin time.Duration, logger arbor.ILogger, opts ...Option) *Service {
	s := &Service{
		storage:   storage,
		cipher:    cipher,
		margin:    margin,
		refresher: OAuth2Refresh,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load decrypts and returns the stored record. A missing record is an AuthError.
func (s *Service) Load(ctx context.Context) (*models.CredentialRecord, error) {
	stored, err := s.storage.GetCredential(ctx, CredentialID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, models.NewTaskError(models.KindAuth, "load credential", fmt.Errorf("no credential stored, run interactive authorization"))
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	plaintext, err := s.cipher.Decrypt(stored.Ciphertext)
	if err != nil {
		return nil, err
	}

	var rec models.CredentialRecord
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil, models.NewTaskError(models.KindAuth, "decode credential", err)
	}
	return &rec, nil
}

// Save encrypts and persists an operator-imported record, superseding any
// previous one and advancing the import version
func (s *Service) Save(ctx context.Context, rec *models.CredentialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, rec, s.now())
}

// save persists rec. importedAt is zero for refreshes.
func (s *Service) save(ctx context.Context, rec *models.CredentialRecord, importedAt time.Time) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode credential: %w", err)
	}

	ciphertext, err := s.cipher.Encrypt(plaintext)
	if err != nil {
		return err
	}

	stored := &models.StoredCredential{ID: CredentialID, Ciphertext: ciphertext, ImportedAt: importedAt}
	if err := s.storage.SaveCredential(ctx, stored); err != nil {
		return err
	}

	s.logger.Info().Str("expiry", rec.Expiry.Format(time.RFC3339)).Msg("Credential saved")
	return nil
}

// EnsureValid loads the stored record and refreshes it when needed
func (s *Service) EnsureValid(ctx context.Context) (*models.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.ensureValid(ctx, rec)
}

// EnsureValidRecord refreshes rec if its access token is expired or within
// the safety margin, persisting the refreshed record.
func (s *Service) EnsureValidRecord(ctx context.Context, rec *models.CredentialRecord) (*models.CredentialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureValid(ctx, rec)
}

func (s *Service) ensureValid(ctx context.Context, rec *models.CredentialRecord) (*models.CredentialRecord, error) {
	if !rec.NeedsRefresh(s.now(), s.margin) {
		return rec, nil
	}

	if rec.RefreshToken == "" {
		return nil, models.NewTaskError(models.KindAuth, "refresh credential", fmt.Errorf("access token expired and no refresh token present"))
	}

	s.logger.Debug().Str("expiry", rec.Expiry.Format(time.RFC3339)).Msg("Refreshing access token")

	tok, err := s.refresher(ctx, rec)
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	refreshed := rec.WithToken(tok)
	if err := s.save(ctx, &refreshed, time.Time{}); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}

	s.logger.Info().Str("expiry", refreshed.Expiry.Format(time.RFC3339)).Msg("Access token refreshed")
	return &refreshed, nil
}

// Version returns the stored record's version and update time without decrypting it
func (s *Service) Version(ctx context.Context) (int, time.Time, error) {
	stored, err := s.storage.GetCredential(ctx, CredentialID)
	if err != nil {
		return 0, time.Time{}, err
	}
	return stored.Version, stored.UpdatedAt, nil
}

// ImportVersion returns how many times an operator has imported the
// credential and when it last happened. Refreshes leave both unchanged.
func (s *Service) ImportVersion(ctx context.Context) (int, time.Time, error) {
	stored, err := s.storage.GetCredential(ctx, CredentialID)
	if err != nil {
		return 0, time.Time{}, err
	}
	return stored.ImportVersion, stored.ImportedAt, nil
}

// TokenSource adapts the service for Google API clients. Every Token call
// goes through EnsureValid so refreshes are persisted.
func (s *Service) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &storeTokenSource{ctx: ctx, service: s}
}

type storeTokenSource struct {
	ctx     context.Context
	service *Service
}

func (t *storeTokenSource) Token() (*oauth2.Token, error) {
	rec, err := t.service.EnsureValid(t.ctx)
	if err != nil {
		return nil, err
	}
	return rec.Token(), nil
}

// OAuth2Refresh performs the refresh-token grant against rec.TokenURI
func OAuth2Refresh(ctx context.Context, rec *models.CredentialRecord) (*oauth2.Token, error) {
	config := &oauth2.Config{
		ClientID:     rec.ClientID,
		ClientSecret: rec.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: rec.TokenURI},
		Scopes:       rec.Scopes,
	}

	// An empty access token forces the source to hit the token endpoint
	return config.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken}).Token()
}

func classifyRefreshError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil && retrieveErr.Response.StatusCode >= 500 {
			return models.NewTaskError(models.KindUpstreamAPI, "refresh credential", err)
		}
		// invalid_grant, invalid_client, revoked tokens
		return models.NewTaskError(models.KindAuth, "refresh credential", err)
	}
	if models.KindOf(err) == models.KindAuth {
		return err
	}
	return models.NewTaskError(models.KindUpstreamAPI, "refresh credential", err)
}
