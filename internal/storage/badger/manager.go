package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db         *BadgerDB
	credential interfaces.CredentialStorage
	cookie     interfaces.CookieStorage
	task       interfaces.TaskStorage
	report     interfaces.ReportStorage
	logger     arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:         db,
		credential: NewCredentialStorage(db, logger),
		cookie:     NewCookieStorage(db, logger),
		task:       NewTaskStorage(db, logger),
		report:     NewReportStorage(db, logger),
		logger:     logger,
	}

	logger.Info().Str("path", config.Path).Msg("Badger storage manager initialized")

	return manager, nil
}

func (m *Manager) CredentialStorage() interfaces.CredentialStorage {
	return m.credential
}

func (m *Manager) CookieStorage() interfaces.CookieStorage {
	return m.cookie
}

func (m *Manager) TaskStorage() interfaces.TaskStorage {
	return m.task
}

func (m *Manager) ReportStorage() interfaces.ReportStorage {
	return m.report
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing badger storage")
	return m.db.Close()
}
