package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/handover/internal/interfaces"
	"github.com/ternarybob/handover/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CredentialStorage stores the encrypted credential blob
type CredentialStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCredentialStorage creates a new CredentialStorage instance
func NewCredentialStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CredentialStorage {
	return &CredentialStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CredentialStorage) GetCredential(ctx context.Context, id string) (*models.StoredCredential, error) {
	var cred models.StoredCredential
	if err := s.db.Store().Get(id, &cred); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("credential %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &cred, nil
}

// SaveCredential upserts the blob. The previous ciphertext is superseded,
// and Version increases monotonically. ImportVersion increases only when
// cred.ImportedAt is set.
func (s *CredentialStorage) SaveCredential(ctx context.Context, cred *models.StoredCredential) error {
	if cred.ID == "" {
		return fmt.Errorf("credential ID is required")
	}
	if len(cred.Ciphertext) == 0 {
		return fmt.Errorf("refusing to store empty credential ciphertext")
	}

	// Read and write in one transaction so concurrent refreshes cannot
	// assign the same version twice
	err := s.db.Store().Badger().Update(func(tx *badger.Txn) error {
		now := time.Now()
		imported := !cred.ImportedAt.IsZero()
		var existing models.StoredCredential
		err := s.db.Store().TxGet(tx, cred.ID, &existing)
		switch {
		case err == nil:
			cred.CreatedAt = existing.CreatedAt
			cred.Version = existing.Version + 1
		case errors.Is(err, badgerhold.ErrNotFound):
			cred.CreatedAt = now
			cred.Version = 1
		default:
			return fmt.Errorf("failed to read existing credential: %w", err)
		}
		cred.UpdatedAt = now

		if imported {
			cred.ImportVersion = existing.ImportVersion + 1
		} else {
			cred.ImportedAt = existing.ImportedAt
			cred.ImportVersion = existing.ImportVersion
		}

		return s.db.Store().TxUpsert(tx, cred.ID, cred)
	})
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}

	s.logger.Debug().
		Str("id", cred.ID).
		Int("version", cred.Version).
		Int("import_version", cred.ImportVersion).
		Msg("Credential blob saved")
	return nil
}
