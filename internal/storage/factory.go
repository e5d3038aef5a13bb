package storage

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/interfaces"
	"github.com/ternarybob/handover/internal/storage/badger"
)

// NewStorageManager creates the storage manager from config
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	return badger.NewManager(logger, &config.Storage.Badger)
}
