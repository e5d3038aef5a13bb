package interfaces

import (
	"context"

	"github.com/ternarybob/handover/internal/models"
)

// Mailbox is the mail service the dispatcher polls
type Mailbox interface {
	ListUnread(ctx context.Context, filter models.MailFilter) ([]models.MessageRef, error)
	GetHeaders(ctx context.Context, id string) (map[string]string, error)
	MarkRead(ctx context.Context, id string) error
}

// FileStore is the remote file tree the drive walker operates on
type FileStore interface {
	// List returns one page of entries matching query and the next page token ("" when exhausted)
	List(ctx context.Context, query string, pageToken string) ([]models.DriveEntry, string, error)
	Get(ctx context.Context, fileID string) (*models.DriveEntry, error)
	Copy(ctx context.Context, fileID string, meta models.DriveEntry) (*models.DriveEntry, error)
	ListPermissions(ctx context.Context, fileID string) ([]models.Permission, error)
	UpdateOwnership(ctx context.Context, fileID string, permissionID string) error
}

// CredentialProvider hands out valid credentials, refreshing as needed
type CredentialProvider interface {
	EnsureValid(ctx context.Context) (*models.CredentialRecord, error)
}
