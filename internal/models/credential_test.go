package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
)

func TestCredentialRecord_NeedsRefresh(t *testing.T) {
	now := time.Date(2024, 10, 14, 9, 0, 0, 0, time.UTC)
	margin := 5 * time.Minute

	fresh := CredentialRecord{AccessToken: "at", Expiry: now.Add(time.Hour)}
	assert.False(t, fresh.NeedsRefresh(now, margin))

	withinMargin := CredentialRecord{AccessToken: "at", Expiry: now.Add(4 * time.Minute)}
	assert.True(t, withinMargin.NeedsRefresh(now, margin))

	noToken := CredentialRecord{Expiry: now.Add(time.Hour)}
	assert.True(t, noToken.NeedsRefresh(now, margin))

	noExpiry := CredentialRecord{AccessToken: "at"}
	assert.True(t, noExpiry.NeedsRefresh(now, margin))
}

func TestCredentialRecord_WithTokenKeepsRefreshToken(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	rec := CredentialRecord{AccessToken: "old", RefreshToken: "rt", Scopes: []string{"drive"}}

	updated := rec.WithToken(&oauth2.Token{AccessToken: "new", Expiry: expiry})
	assert.Equal(t, "new", updated.AccessToken)
	assert.Equal(t, "rt", updated.RefreshToken)
	assert.Equal(t, expiry, updated.Expiry)
	assert.Equal(t, "old", rec.AccessToken)

	rotated := rec.WithToken(&oauth2.Token{AccessToken: "new", RefreshToken: "rt2"})
	assert.Equal(t, "rt2", rotated.RefreshToken)
}

func TestDriveEntry_Ownership(t *testing.T) {
	entry := DriveEntry{
		MimeType: FolderMimeType,
		Owners:   []Owner{{Email: "Alice@Example.com"}, {Email: "bob@example.com"}},
	}

	assert.True(t, entry.IsFolder())
	assert.True(t, entry.OwnedBy("alice@example.com"))
	assert.False(t, entry.OwnedBy("carol@example.com"))
	assert.Equal(t, []string{"Alice@Example.com", "bob@example.com"}, entry.OwnerEmails())
}

func TestInvitationTask_Status(t *testing.T) {
	for status, live := range map[TaskStatus]bool{
		TaskStatusPending:    true,
		TaskStatusInProgress: true,
		TaskStatusAccepted:   false,
		TaskStatusFailed:     false,
	} {
		task := InvitationTask{Status: status}
		assert.Equal(t, live, task.IsLive(), status)
		assert.Equal(t, !live, task.IsTerminal(), status)
	}
}
