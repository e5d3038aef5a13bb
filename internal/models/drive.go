package models

import (
	"strings"
	"time"
)

// FolderMimeType marks a Drive entry as a folder
const FolderMimeType = "application/vnd.google-apps.folder"

// Owner is an owner of a Drive entry
type Owner struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
}

// DriveEntry is a file or folder in the remote file tree
type DriveEntry struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	MimeType    string    `json:"mime_type"`
	Parents     []string  `json:"parents,omitempty"`
	Owners      []Owner   `json:"owners,omitempty"`
	CreatedTime time.Time `json:"created_time"`
}

// IsFolder reports whether the entry can have children
func (e *DriveEntry) IsFolder() bool {
	return e.MimeType == FolderMimeType
}

// OwnedBy reports whether email is among the owners (case-insensitive)
func (e *DriveEntry) OwnedBy(email string) bool {
	for _, o := range e.Owners {
		if strings.EqualFold(o.Email, email) {
			return true
		}
	}
	return false
}

// OwnerEmails returns the owner addresses in order
func (e *DriveEntry) OwnerEmails() []string {
	out := make([]string, 0, len(e.Owners))
	for _, o := range e.Owners {
		out = append(out, o.Email)
	}
	return out
}

// Permission is a sharing permission on a Drive entry
type Permission struct {
	ID           string `json:"id"`
	Role         string `json:"role"`
	EmailAddress string `json:"email_address,omitempty"`
	PendingOwner bool   `json:"pending_owner"`
}

// CopyResult records the outcome of copying one entry
type CopyResult struct {
	SourceID string `json:"source_id"`
	CopyID   string `json:"copy_id,omitempty"`
	Name     string `json:"name"`
	Error    string `json:"error,omitempty"`
}

// AcceptResult records an ownership offer accepted, or failed, on one entry
type AcceptResult struct {
	FileID string `json:"file_id"`
	Name   string `json:"name"`
	Error  string `json:"error,omitempty"`
}

// Group is a Workspace group from the Admin Directory
type Group struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Members     int64  `json:"direct_members"`
}
