package drive

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/models"
)

// fakeStore serves children and owner queries from memory in fixed-size pages
type fakeStore struct {
	pageSize int
	children map[string][]models.DriveEntry
	owned    map[string][]models.DriveEntry
	files    map[string]models.DriveEntry
	perms    map[string][]models.Permission

	listCalls int
	copyFail  map[string]bool
	permFail  map[string]bool
	copies    []models.DriveEntry
	updated   []string
}

func newFakeStore(pageSize int) *fakeStore {
	return &fakeStore{
		pageSize: pageSize,
		children: make(map[string][]models.DriveEntry),
		owned:    make(map[string][]models.DriveEntry),
		files:    make(map[string]models.DriveEntry),
		perms:    make(map[string][]models.Permission),
		copyFail: make(map[string]bool),
		permFail: make(map[string]bool),
	}
}

func (s *fakeStore) add(parent string, e models.DriveEntry) {
	e.Parents = append(e.Parents, parent)
	s.children[parent] = append(s.children[parent], e)
	s.files[e.ID] = e
}

func queryValue(query string) string {
	start := strings.Index(query, "'")
	end := strings.Index(query[start+1:], "'")
	return query[start+1 : start+1+end]
}

func (s *fakeStore) List(ctx context.Context, query string, pageToken string) ([]models.DriveEntry, string, error) {
	s.listCalls++
	var all []models.DriveEntry
	if strings.Contains(query, "in owners") {
		all = s.owned[queryValue(query)]
	} else {
		all = s.children[queryValue(query)]
	}

	offset := 0
	if pageToken != "" {
		offset, _ = strconv.Atoi(pageToken)
	}
	end := offset + s.pageSize
	if end >= len(all) {
		return all[offset:], "", nil
	}
	return all[offset:end], strconv.Itoa(end), nil
}

func (s *fakeStore) Get(ctx context.Context, fileID string) (*models.DriveEntry, error) {
	e, ok := s.files[fileID]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
	}
	return &e, nil
}

func (s *fakeStore) Copy(ctx context.Context, fileID string, meta models.DriveEntry) (*models.DriveEntry, error) {
	if s.copyFail[fileID] {
		return nil, errors.New("quota exceeded")
	}
	s.copies = append(s.copies, meta)
	return &models.DriveEntry{ID: "copy-" + fileID, Name: meta.Name, Parents: meta.Parents}, nil
}

func (s *fakeStore) ListPermissions(ctx context.Context, fileID string) ([]models.Permission, error) {
	if s.permFail[fileID] {
		return nil, errors.New("permission denied")
	}
	return s.perms[fileID], nil
}

func (s *fakeStore) UpdateOwnership(ctx context.Context, fileID string, permissionID string) error {
	s.updated = append(s.updated, fileID+"/"+permissionID)
	return nil
}

func file(id string) models.DriveEntry {
	return models.DriveEntry{ID: id, Name: id, MimeType: "application/pdf"}
}

func folder(id string) models.DriveEntry {
	return models.DriveEntry{ID: id, Name: id, MimeType: models.FolderMimeType}
}

func ids(entries []models.DriveEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestListAll_PaginationCompleteness(t *testing.T) {
	const n = 23
	store := newFakeStore(5) // 5 pages
	for i := 0; i < n; i++ {
		store.add("root", file(fmt.Sprintf("f%02d", i)))
	}

	entries, err := NewWalker(store, arbor.NewLogger()).ListAll(context.Background(), "root")
	require.NoError(t, err)

	assert.Len(t, entries, n)
	seen := make(map[string]bool)
	for _, e := range entries {
		assert.False(t, seen[e.ID], "duplicate %s", e.ID)
		seen[e.ID] = true
	}
	assert.Equal(t, 5, store.listCalls)
}

func TestListAll_DepthFirstOrder(t *testing.T) {
	store := newFakeStore(10)
	store.add("root", folder("a"))
	store.add("a", file("a1"))
	store.add("a", folder("b"))
	store.add("b", file("b1"))
	store.add("root", file("r1"))

	entries, err := NewWalker(store, arbor.NewLogger()).ListAll(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "a1", "b", "b1", "r1"}, ids(entries))
}

func TestListAll_CycleTerminates(t *testing.T) {
	store := newFakeStore(2)
	// root -> d1 -> d2 -> d3, with d3 listing d1 and root as children
	store.add("root", folder("d1"))
	store.add("d1", folder("d2"))
	store.add("d2", folder("d3"))
	store.add("d3", file("leaf"))
	store.add("d3", folder("d1"))
	store.add("d3", folder("root"))
	store.add("d2", file("f2"))

	entries, err := NewWalker(store, arbor.NewLogger()).ListAll(context.Background(), "root")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d2", "d3", "leaf", "f2"}, ids(entries))
}

func TestListAll_RepeatedPageTokenFails(t *testing.T) {
	store := &loopingStore{}
	_, err := NewWalker(store, arbor.NewLogger()).ListAll(context.Background(), "root")
	require.Error(t, err)
	assert.Equal(t, models.KindUpstreamAPI, models.KindOf(err))
}

type loopingStore struct{ fakeStore }

func (s *loopingStore) List(ctx context.Context, query string, pageToken string) ([]models.DriveEntry, string, error) {
	return []models.DriveEntry{file("x")}, "same", nil
}

func TestFilters(t *testing.T) {
	now := time.Date(2024, 10, 14, 0, 0, 0, 0, time.UTC)
	old := models.DriveEntry{ID: "old", CreatedTime: now.Add(-30 * 24 * time.Hour), Owners: []models.Owner{{Email: "leaver@example.com"}}}
	recent := models.DriveEntry{ID: "recent", CreatedTime: now.Add(-time.Hour), Owners: []models.Owner{{Email: "leaver@example.com"}}}
	mine := models.DriveEntry{ID: "mine", CreatedTime: now.Add(-30 * 24 * time.Hour), Owners: []models.Owner{{Email: "Keeper@example.com"}}}
	undated := models.DriveEntry{ID: "undated"}

	entries := []models.DriveEntry{old, recent, mine, undated}

	assert.Equal(t, []string{"old", "mine"}, ids(FilterOlderThan(entries, 7*24*time.Hour, now)))
	assert.Equal(t, []string{"old", "recent", "undated"}, ids(FilterNotOwnedBy(entries, "keeper@example.com")))
}

func TestUntransferred(t *testing.T) {
	now := time.Now()
	store := newFakeStore(10)
	oldFile := file("old")
	oldFile.CreatedTime = now.Add(-10 * 24 * time.Hour)
	oldFile.Owners = []models.Owner{{Email: "leaver@example.com"}}
	store.add("root", oldFile)

	doneFile := file("done")
	doneFile.CreatedTime = now.Add(-10 * 24 * time.Hour)
	doneFile.Owners = []models.Owner{{Email: "keeper@example.com"}}
	store.add("root", doneFile)

	entries, err := NewWalker(store, arbor.NewLogger()).Untransferred(context.Background(), "root", 7*24*time.Hour, "keeper@example.com", now)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids(entries))
}

func TestCopyOwnedBy_ContinuesPastFailures(t *testing.T) {
	store := newFakeStore(2)
	a, b, c := file("a"), file("b"), file("c")
	a.Parents, b.Parents, c.Parents = []string{"p1"}, []string{"p2"}, []string{"p3"}
	store.owned["leaver@example.com"] = []models.DriveEntry{a, folder("dir"), b, c}
	store.copyFail["b"] = true

	results, err := NewWalker(store, arbor.NewLogger()).CopyOwnedBy(context.Background(), "leaver@example.com")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "copy-a", results[0].CopyID)
	assert.Contains(t, results[1].Error, "quota exceeded")
	assert.Equal(t, "copy-c", results[2].CopyID)
	assert.Equal(t, []models.DriveEntry{{Name: "a", Parents: []string{"p1"}}, {Name: "c", Parents: []string{"p3"}}}, store.copies)
}

func TestCopyOwnedByIn_OnlyOwnedEntriesBelowRoot(t *testing.T) {
	store := newFakeStore(2)
	owned := func(e models.DriveEntry, email string) models.DriveEntry {
		e.Owners = []models.Owner{{Email: email}}
		return e
	}
	store.add("root", owned(file("a"), "leaver@example.com"))
	store.add("root", owned(folder("sub"), "leaver@example.com"))
	store.add("sub", owned(file("b"), "Leaver@example.com"))
	store.add("sub", owned(file("fail"), "leaver@example.com"))
	store.add("sub", owned(file("other"), "someone@example.com"))
	store.add("root", owned(file("c"), "leaver@example.com"))
	store.add("elsewhere", owned(file("outside"), "leaver@example.com"))
	store.owned["leaver@example.com"] = []models.DriveEntry{file("outside")}
	store.copyFail["fail"] = true

	results, err := NewWalker(store, arbor.NewLogger()).CopyOwnedByIn(context.Background(), "root", "leaver@example.com")
	require.NoError(t, err)

	var copied []string
	for _, r := range results {
		copied = append(copied, r.SourceID)
	}
	assert.Equal(t, []string{"a", "b", "fail", "c"}, copied)
	assert.Contains(t, results[2].Error, "quota exceeded")
	assert.Equal(t, "copy-c", results[3].CopyID)
	assert.Equal(t, []models.DriveEntry{
		{Name: "a", Parents: []string{"root"}},
		{Name: "b", Parents: []string{"sub"}},
		{Name: "c", Parents: []string{"root"}},
	}, store.copies)
}

func TestAcceptPendingIn_ContinuesPastFailures(t *testing.T) {
	store := newFakeStore(2)
	store.add("root", file("pending1"))
	store.add("root", folder("sub"))
	store.add("sub", file("broken"))
	store.add("sub", file("nooffer"))
	store.add("sub", file("pending2"))
	mine := file("mine")
	mine.Owners = []models.Owner{{Email: "keeper@example.com"}}
	store.add("root", mine)

	offer := func(id string) []models.Permission {
		return []models.Permission{
			{ID: id + "-owner", Role: "owner", EmailAddress: "leaver@example.com"},
			{ID: id + "-offer", Role: "writer", EmailAddress: "keeper@example.com", PendingOwner: true},
		}
	}
	store.perms["pending1"] = offer("pending1")
	store.perms["pending2"] = offer("pending2")
	store.perms["nooffer"] = []models.Permission{{ID: "w", Role: "writer", EmailAddress: "keeper@example.com"}}
	store.permFail["broken"] = true
	store.permFail["mine"] = true // owned entries are never queried

	results, err := NewWalker(store, arbor.NewLogger()).AcceptPendingIn(context.Background(), "root", "keeper@example.com")
	require.NoError(t, err)

	require.Len(t, results, 3)
	assert.Equal(t, models.AcceptResult{FileID: "pending1", Name: "pending1"}, results[0])
	assert.Equal(t, "broken", results[1].FileID)
	assert.Contains(t, results[1].Error, "permission denied")
	assert.Equal(t, models.AcceptResult{FileID: "pending2", Name: "pending2"}, results[2])
	assert.Equal(t, []string{"pending1/pending1-offer", "pending2/pending2-offer"}, store.updated)
}

func TestAcceptPendingOwnership(t *testing.T) {
	store := newFakeStore(10)
	store.perms["pending"] = []models.Permission{
		{ID: "p0", Role: "owner", EmailAddress: "leaver@example.com"},
		{ID: "p1", Role: "writer", EmailAddress: "Keeper@example.com", PendingOwner: true},
	}
	store.perms["owned"] = []models.Permission{{ID: "p2", Role: "owner", EmailAddress: "keeper@example.com"}}
	store.perms["none"] = []models.Permission{{ID: "p3", Role: "writer", EmailAddress: "keeper@example.com"}}
	walker := NewWalker(store, arbor.NewLogger())

	accepted, err := walker.AcceptPendingOwnership(context.Background(), "pending", "keeper@example.com")
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, []string{"pending/p1"}, store.updated)

	accepted, err = walker.AcceptPendingOwnership(context.Background(), "owned", "keeper@example.com")
	require.NoError(t, err)
	assert.False(t, accepted)

	_, err = walker.AcceptPendingOwnership(context.Background(), "none", "keeper@example.com")
	assert.ErrorIs(t, err, ErrNoPendingTransfer)
}

func TestHierarchy(t *testing.T) {
	store := newFakeStore(10)
	store.files["root"] = folder("root")
	store.add("root", folder("team"))
	store.add("team", folder("q3"))
	store.add("q3", file("report"))

	chain, err := NewWalker(store, arbor.NewLogger()).Hierarchy(context.Background(), "report")
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "team", "q3", "report"}, ids(chain))
}

func TestHierarchy_CycleTerminates(t *testing.T) {
	store := newFakeStore(10)
	store.files["a"] = models.DriveEntry{ID: "a", Parents: []string{"b"}}
	store.files["b"] = models.DriveEntry{ID: "b", Parents: []string{"a"}}

	chain, err := NewWalker(store, arbor.NewLogger()).Hierarchy(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, ids(chain))
}

func TestHierarchy_MissingFile(t *testing.T) {
	_, err := NewWalker(newFakeStore(10), arbor.NewLogger()).Hierarchy(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueries(t *testing.T) {
	assert.Equal(t, "'root' in parents and trashed = false", ChildrenQuery("root"))
	assert.Equal(t, `'o\'brien@example.com' in owners and trashed = false`, OwnedByQuery("o'brien@example.com"))
}
