package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/handover/internal/interfaces"
	"github.com/ternarybob/handover/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CookieStorage stores session cookie jars keyed by account
type CookieStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCookieStorage creates a new CookieStorage instance
func NewCookieStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CookieStorage {
	return &CookieStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CookieStorage) GetCookieJar(ctx context.Context, account string) (*models.SessionCookieJar, error) {
	var jar models.SessionCookieJar
	if err := s.db.Store().Get(cookieKey(account), &jar); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("cookie jar for %s: %w", account, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get cookie jar: %w", err)
	}
	return &jar, nil
}

func (s *CookieStorage) SaveCookieJar(ctx context.Context, jar *models.SessionCookieJar) error {
	if err := s.db.Store().Upsert(cookieKey(jar.Account), jar); err != nil {
		return fmt.Errorf("failed to store cookie jar: %w", err)
	}
	s.logger.Debug().Str("account", jar.Account).Int("cookies", len(jar.Cookies)).Msg("Cookie jar saved")
	return nil
}

func (s *CookieStorage) DeleteCookieJar(ctx context.Context, account string) error {
	if err := s.db.Store().Delete(cookieKey(account), &models.SessionCookieJar{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to delete cookie jar: %w", err)
	}
	return nil
}

func cookieKey(account string) string {
	return "cookies:" + account
}
