package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/handover/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()

	tmpDir := t.TempDir()
	options := badgerhold.DefaultOptions
	options.Dir = tmpDir
	options.ValueDir = tmpDir
	options.Logger = nil

	store, err := badgerhold.Open(options)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return &BadgerDB{store: store}
}

func TestCredentialStorage_NotFound(t *testing.T) {
	storage := NewCredentialStorage(newTestDB(t), arbor.NewLogger())

	_, err := storage.GetCredential(context.Background(), "primary")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestCredentialStorage_SaveSupersedesAndVersions(t *testing.T) {
	ctx := context.Background()
	storage := NewCredentialStorage(newTestDB(t), arbor.NewLogger())

	first := &models.StoredCredential{ID: "primary", Ciphertext: []byte("one")}
	require.NoError(t, storage.SaveCredential(ctx, first))
	assert.Equal(t, 1, first.Version)

	second := &models.StoredCredential{ID: "primary", Ciphertext: []byte("two")}
	require.NoError(t, storage.SaveCredential(ctx, second))
	assert.Equal(t, 2, second.Version)

	got, err := storage.GetCredential(ctx, "primary")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got.Ciphertext)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, first.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestCredentialStorage_ImportVersionOnlyAdvancesOnImport(t *testing.T) {
	ctx := context.Background()
	storage := NewCredentialStorage(newTestDB(t), arbor.NewLogger())
	importedAt := time.Date(2024, 10, 14, 9, 0, 0, 0, time.UTC)

	require.NoError(t, storage.SaveCredential(ctx, &models.StoredCredential{ID: "primary", Ciphertext: []byte("one"), ImportedAt: importedAt}))

	refreshed := &models.StoredCredential{ID: "primary", Ciphertext: []byte("two")}
	require.NoError(t, storage.SaveCredential(ctx, refreshed))
	assert.Equal(t, 2, refreshed.Version)
	assert.Equal(t, 1, refreshed.ImportVersion)

	got, err := storage.GetCredential(ctx, "primary")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ImportVersion)
	assert.True(t, importedAt.Equal(got.ImportedAt))

	reimported := &models.StoredCredential{ID: "primary", Ciphertext: []byte("three"), ImportedAt: importedAt.Add(time.Hour)}
	require.NoError(t, storage.SaveCredential(ctx, reimported))
	assert.Equal(t, 3, reimported.Version)
	assert.Equal(t, 2, reimported.ImportVersion)
}

func TestCredentialStorage_RejectsEmptyCiphertext(t *testing.T) {
	storage := NewCredentialStorage(newTestDB(t), arbor.NewLogger())

	err := storage.SaveCredential(context.Background(), &models.StoredCredential{ID: "primary"})
	assert.Error(t, err)
}

func TestCookieStorage_RoundTripAndDelete(t *testing.T) {
	ctx := context.Background()
	storage := NewCookieStorage(newTestDB(t), arbor.NewLogger())

	jar := &models.SessionCookieJar{
		Account: "bot@example.com",
		Cookies: []models.SessionCookie{
			{Name: "SID", Value: "a", Domain: ".google.com", Path: "/"},
			{Name: "HSID", Value: "b", Domain: ".google.com", Path: "/", HTTPOnly: true},
		},
		CapturedAt: time.Now(),
	}
	require.NoError(t, storage.SaveCookieJar(ctx, jar))

	got, err := storage.GetCookieJar(ctx, "bot@example.com")
	require.NoError(t, err)
	require.Len(t, got.Cookies, 2)
	assert.Equal(t, "SID", got.Cookies[0].Name)
	assert.True(t, got.Cookies[1].HTTPOnly)

	require.NoError(t, storage.DeleteCookieJar(ctx, "bot@example.com"))
	_, err = storage.GetCookieJar(ctx, "bot@example.com")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Deleting twice is not an error
	assert.NoError(t, storage.DeleteCookieJar(ctx, "bot@example.com"))
}

func TestTaskStorage_PersistenceAndStatusQuery(t *testing.T) {
	ctx := context.Background()
	storage := NewTaskStorage(newTestDB(t), arbor.NewLogger())

	tasks := []*models.InvitationTask{
		{MessageID: "m1", Status: models.TaskStatusPending},
		{MessageID: "m2", Status: models.TaskStatusInProgress, AttemptCount: 1},
		{MessageID: "m3", Status: models.TaskStatusAccepted},
	}
	for _, task := range tasks {
		require.NoError(t, storage.SaveTask(ctx, task))
		assert.False(t, task.CreatedAt.IsZero())
	}

	all, err := storage.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	inProgress, err := storage.ListTasksByStatus(ctx, models.TaskStatusInProgress)
	require.NoError(t, err)
	require.Len(t, inProgress, 1)
	assert.Equal(t, "m2", inProgress[0].MessageID)
	assert.Equal(t, 1, inProgress[0].AttemptCount)

	// Saving again updates in place rather than duplicating
	tasks[0].Status = models.TaskStatusFailed
	require.NoError(t, storage.SaveTask(ctx, tasks[0]))

	got, err := storage.GetTask(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	all, err = storage.ListTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTaskStorage_GetMissing(t *testing.T) {
	storage := NewTaskStorage(newTestDB(t), arbor.NewLogger())

	_, err := storage.GetTask(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestReportStorage_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	storage := NewReportStorage(newTestDB(t), arbor.NewLogger())

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"m1", "m2", "m3"} {
		report := &models.ErrorReport{
			MessageID: id,
			Kind:      models.KindElementNotFound,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, storage.SaveReport(ctx, report))
		assert.NotEmpty(t, report.ID)
	}

	reports, err := storage.ListReports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, "m3", reports[0].MessageID)
	assert.Equal(t, "m2", reports[1].MessageID)

	got, err := storage.GetReport(ctx, reports[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.KindElementNotFound, got.Kind)
}
