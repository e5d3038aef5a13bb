package interfaces

import (
	"context"

	"github.com/ternarybob/handover/internal/models"
)

// CredentialStorage persists the encrypted credential blob. It never sees plaintext.
type CredentialStorage interface {
	GetCredential(ctx context.Context, id string) (*models.StoredCredential, error)
	SaveCredential(ctx context.Context, cred *models.StoredCredential) error
}

// CookieStorage persists session cookie jars keyed by account
type CookieStorage interface {
	GetCookieJar(ctx context.Context, account string) (*models.SessionCookieJar, error)
	SaveCookieJar(ctx context.Context, jar *models.SessionCookieJar) error
	DeleteCookieJar(ctx context.Context, account string) error
}

// TaskStorage is the invitation task log keyed by message id
type TaskStorage interface {
	GetTask(ctx context.Context, messageID string) (*models.InvitationTask, error)
	SaveTask(ctx context.Context, task *models.InvitationTask) error
	ListTasks(ctx context.Context) ([]*models.InvitationTask, error)
	ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.InvitationTask, error)
}

// ReportStorage persists error reports for permanently failed tasks
type ReportStorage interface {
	SaveReport(ctx context.Context, report *models.ErrorReport) error
	GetReport(ctx context.Context, id string) (*models.ErrorReport, error)
	ListReports(ctx context.Context, limit int) ([]*models.ErrorReport, error)
}

// StorageManager groups the storage backends
type StorageManager interface {
	CredentialStorage() CredentialStorage
	CookieStorage() CookieStorage
	TaskStorage() TaskStorage
	ReportStorage() ReportStorage
	Close() error
}
