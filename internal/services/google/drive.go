package google

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/ternarybob/handover/internal/models"
)

const (
	fileFields       = "id, name, mimeType, parents, owners(emailAddress, displayName), createdTime"
	listFields       = "nextPageToken, files(" + fileFields + ")"
	permissionFields = "nextPageToken, permissions(id, role, emailAddress, pendingOwner)"
)

// DriveStore implements interfaces.FileStore on the Drive v3 API
type DriveStore struct {
	svc      *drive.Service
	call     *caller
	pageSize int64
	logger   arbor.ILogger
}

// NewDriveService creates a Drive API service using ts. Extra options
// override the endpoint or HTTP client.
func NewDriveService(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*drive.Service, error) {
	if ts != nil {
		opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	}
	return drive.NewService(ctx, opts...)
}

// NewDriveStore wraps svc with rate limiting and retries
func NewDriveStore(svc *drive.Service, limiter *RateLimiter, pageSize int64, logger arbor.ILogger) *DriveStore {
	if limiter == nil {
		limiter = NewRateLimiter(ServiceDrive)
	}
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 1000
	}
	return &DriveStore{
		svc:      svc,
		call:     &caller{limiter: limiter, policy: DefaultRetryPolicy, logger: logger},
		pageSize: pageSize,
		logger:   logger,
	}
}

func toEntry(f *drive.File) models.DriveEntry {
	entry := models.DriveEntry{
		ID:       f.Id,
		Name:     f.Name,
		MimeType: f.MimeType,
		Parents:  append([]string(nil), f.Parents...),
	}
	for _, o := range f.Owners {
		if o == nil {
			continue
		}
		entry.Owners = append(entry.Owners, models.Owner{Email: o.EmailAddress, DisplayName: o.DisplayName})
	}
	if f.CreatedTime != "" {
		if t, err := time.Parse(time.RFC3339, f.CreatedTime); err == nil {
			entry.CreatedTime = t
		}
	}
	return entry
}

// List returns one page of files matching query
func (s *DriveStore) List(ctx context.Context, query string, pageToken string) ([]models.DriveEntry, string, error) {
	var resp *drive.FileList
	err := s.call.do(ctx, "drive.files.list", func(ctx context.Context) error {
		req := s.svc.Files.List().
			Q(query).
			Fields(googleapi.Field(listFields)).
			PageSize(s.pageSize).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true).
			Context(ctx)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		var err error
		resp, err = req.Do()
		return err
	})
	if err != nil {
		return nil, "", err
	}

	entries := make([]models.DriveEntry, 0, len(resp.Files))
	for _, f := range resp.Files {
		entries = append(entries, toEntry(f))
	}
	return entries, resp.NextPageToken, nil
}

// Get fetches one file's metadata
func (s *DriveStore) Get(ctx context.Context, fileID string) (*models.DriveEntry, error) {
	var file *drive.File
	err := s.call.do(ctx, "drive.files.get", func(ctx context.Context) error {
		var err error
		file, err = s.svc.Files.Get(fileID).
			Fields(googleapi.Field(fileFields)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
		}
		return nil, err
	}
	entry := toEntry(file)
	return &entry, nil
}

// Copy duplicates fileID with meta's name and parents
func (s *DriveStore) Copy(ctx context.Context, fileID string, meta models.DriveEntry) (*models.DriveEntry, error) {
	var file *drive.File
	err := s.call.do(ctx, "drive.files.copy", func(ctx context.Context) error {
		var err error
		file, err = s.svc.Files.Copy(fileID, &drive.File{
			Name:    meta.Name,
			Parents: meta.Parents,
		}).
			Fields(googleapi.Field(fileFields)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	entry := toEntry(file)
	return &entry, nil
}

// ListPermissions returns every permission on fileID
func (s *DriveStore) ListPermissions(ctx context.Context, fileID string) ([]models.Permission, error) {
	var perms []models.Permission
	pageToken := ""
	for {
		var resp *drive.PermissionList
		err := s.call.do(ctx, "drive.permissions.list", func(ctx context.Context) error {
			req := s.svc.Permissions.List(fileID).
				Fields(googleapi.Field(permissionFields)).
				SupportsAllDrives(true).
				Context(ctx)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, p := range resp.Permissions {
			perms = append(perms, models.Permission{
				ID:           p.Id,
				Role:         p.Role,
				EmailAddress: p.EmailAddress,
				PendingOwner: p.PendingOwner,
			})
		}
		if resp.NextPageToken == "" {
			return perms, nil
		}
		pageToken = resp.NextPageToken
	}
}

// UpdateOwnership promotes permissionID to owner, completing a pending transfer
func (s *DriveStore) UpdateOwnership(ctx context.Context, fileID string, permissionID string) error {
	return s.call.do(ctx, "drive.permissions.update", func(ctx context.Context) error {
		_, err := s.svc.Permissions.Update(fileID, permissionID, &drive.Permission{Role: "owner"}).
			TransferOwnership(true).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
		return err
	})
}
