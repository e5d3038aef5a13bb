// Package drive walks and mutates the Drive file tree through the
// FileStore collaborator.
package drive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/interfaces"
	"github.com/ternarybob/handover/internal/models"
)

// Walker enumerates and mutates a remote file tree. It holds no state
// between calls and may run concurrently with the dispatcher.
type Walker struct {
	store  interfaces.FileStore
	logger arbor.ILogger
}

// NewWalker creates a walker over store
func NewWalker(store interfaces.FileStore, logger arbor.ILogger) *Walker {
	return &Walker{store: store, logger: logger}
}

// quote escapes a value for a Drive query string literal
func quote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return "'" + strings.ReplaceAll(value, "'", `\'`) + "'"
}

// ChildrenQuery selects the untrashed direct children of folderID
func ChildrenQuery(folderID string) string {
	return quote(folderID) + " in parents and trashed = false"
}

// OwnedByQuery selects untrashed files owned by email
func OwnedByQuery(email string) string {
	return quote(email) + " in owners and trashed = false"
}

// listQuery follows the continuation cursor until exhausted
func (w *Walker) listQuery(ctx context.Context, query string) ([]models.DriveEntry, error) {
	var entries []models.DriveEntry
	seenTokens := make(map[string]bool)
	pageToken := ""
	pages := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, next, err := w.store.List(ctx, query, pageToken)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q page %d: %w", query, pages+1, err)
		}
		pages++
		entries = append(entries, page...)

		if next == "" {
			break
		}
		if seenTokens[next] {
			return nil, models.NewTaskError(models.KindUpstreamAPI, "list "+query, fmt.Errorf("page token %q repeated", next))
		}
		seenTokens[next] = true
		pageToken = next
	}

	w.logger.Debug().Str("query", query).Int("pages", pages).Int("entries", len(entries)).Msg("Listed drive query")
	return entries, nil
}

// ListAll returns every entry below rootID, depth-first. Each entry is
// returned once even if the remote graph contains cycles or an entry has
// several parents inside the tree.
func (w *Walker) ListAll(ctx context.Context, rootID string) ([]models.DriveEntry, error) {
	start := time.Now()
	visited := map[string]bool{rootID: true}

	var out []models.DriveEntry
	if err := w.walk(ctx, rootID, visited, &out); err != nil {
		return nil, err
	}

	w.logger.Info().
		Str("root", rootID).
		Int("entries", len(out)).
		Dur("duration", time.Since(start)).
		Msg("Drive walk completed")
	return out, nil
}

func (w *Walker) walk(ctx context.Context, folderID string, visited map[string]bool, out *[]models.DriveEntry) error {
	children, err := w.listQuery(ctx, ChildrenQuery(folderID))
	if err != nil {
		return err
	}

	for _, child := range children {
		if visited[child.ID] {
			w.logger.Debug().Str("id", child.ID).Str("parent", folderID).Msg("Skipping already visited entry")
			continue
		}
		visited[child.ID] = true
		*out = append(*out, child)

		if child.IsFolder() {
			if err := w.walk(ctx, child.ID, visited, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// FilterOlderThan keeps entries created more than age before now
func FilterOlderThan(entries []models.DriveEntry, age time.Duration, now time.Time) []models.DriveEntry {
	cutoff := now.Add(-age)
	var out []models.DriveEntry
	for _, e := range entries {
		if !e.CreatedTime.IsZero() && e.CreatedTime.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// FilterNotOwnedBy keeps entries email does not own
func FilterNotOwnedBy(entries []models.DriveEntry, email string) []models.DriveEntry {
	var out []models.DriveEntry
	for _, e := range entries {
		if !e.OwnedBy(email) {
			out = append(out, e)
		}
	}
	return out
}

// Untransferred lists entries below rootID older than age that owner does
// not yet own
func (w *Walker) Untransferred(ctx context.Context, rootID string, age time.Duration, owner string, now time.Time) ([]models.DriveEntry, error) {
	all, err := w.ListAll(ctx, rootID)
	if err != nil {
		return nil, err
	}
	return FilterNotOwnedBy(FilterOlderThan(all, age, now), owner), nil
}

// CopyOwnedBy copies every file email owns into the same parents under the
// same name. Individual failures are recorded and the run continues.
func (w *Walker) CopyOwnedBy(ctx context.Context, email string) ([]models.CopyResult, error) {
	files, err := w.listQuery(ctx, OwnedByQuery(email))
	if err != nil {
		return nil, err
	}
	return w.copyFiles(ctx, email, files)
}

// CopyOwnedByIn is CopyOwnedBy limited to the tree below rootID
func (w *Walker) CopyOwnedByIn(ctx context.Context, rootID string, email string) ([]models.CopyResult, error) {
	all, err := w.ListAll(ctx, rootID)
	if err != nil {
		return nil, err
	}

	var owned []models.DriveEntry
	for _, e := range all {
		if e.OwnedBy(email) {
			owned = append(owned, e)
		}
	}
	return w.copyFiles(ctx, email, owned)
}

func (w *Walker) copyFiles(ctx context.Context, email string, files []models.DriveEntry) ([]models.CopyResult, error) {
	results := make([]models.CopyResult, 0, len(files))
	failed := 0
	for _, f := range files {
		if f.IsFolder() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := models.CopyResult{SourceID: f.ID, Name: f.Name}
		copied, err := w.store.Copy(ctx, f.ID, models.DriveEntry{Name: f.Name, Parents: f.Parents})
		if err != nil {
			failed++
			result.Error = err.Error()
			w.logger.Warn().Str("id", f.ID).Str("name", f.Name).Err(err).Msg("Failed to copy file")
		} else {
			result.CopyID = copied.ID
		}
		results = append(results, result)
	}

	w.logger.Info().
		Str("owner", email).
		Int("copied", len(results)-failed).
		Int("failed", failed).
		Msg("Copied owned files")
	return results, nil
}

// ErrNoPendingTransfer means the file carries no pending ownership offer for the account
var ErrNoPendingTransfer = errors.New("no pending ownership transfer")

// AcceptPendingOwnership completes a pending ownership transfer of fileID
// to account. It reports false without error when account already owns the file.
func (w *Walker) AcceptPendingOwnership(ctx context.Context, fileID string, account string) (bool, error) {
	perms, err := w.store.ListPermissions(ctx, fileID)
	if err != nil {
		return false, err
	}

	accepted := false
	for _, p := range perms {
		if !strings.EqualFold(p.EmailAddress, account) {
			continue
		}
		if p.Role == "owner" {
			w.logger.Debug().Str("id", fileID).Msg("Account already owns file")
			return false, nil
		}
		if p.Role == "writer" && p.PendingOwner {
			if err := w.store.UpdateOwnership(ctx, fileID, p.ID); err != nil {
				return false, fmt.Errorf("failed to accept ownership of %s: %w", fileID, err)
			}
			accepted = true
		}
	}

	if !accepted {
		return false, fmt.Errorf("file %s: %w", fileID, ErrNoPendingTransfer)
	}
	w.logger.Info().Str("id", fileID).Str("account", account).Msg("Accepted ownership transfer")
	return true, nil
}

// AcceptPendingIn accepts every ownership offer to account on entries
// below rootID. Entries without an offer are skipped; failures are
// recorded and the run continues.
func (w *Walker) AcceptPendingIn(ctx context.Context, rootID string, account string) ([]models.AcceptResult, error) {
	all, err := w.ListAll(ctx, rootID)
	if err != nil {
		return nil, err
	}

	var results []models.AcceptResult
	failed := 0
	for _, e := range all {
		if e.OwnedBy(account) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		accepted, err := w.AcceptPendingOwnership(ctx, e.ID, account)
		switch {
		case errors.Is(err, ErrNoPendingTransfer):
			continue
		case err != nil:
			failed++
			results = append(results, models.AcceptResult{FileID: e.ID, Name: e.Name, Error: err.Error()})
			w.logger.Warn().Str("id", e.ID).Str("name", e.Name).Err(err).Msg("Failed to accept ownership")
		case accepted:
			results = append(results, models.AcceptResult{FileID: e.ID, Name: e.Name})
		}
	}

	w.logger.Info().
		Str("root", rootID).
		Str("account", account).
		Int("accepted", len(results)-failed).
		Int("failed", failed).
		Msg("Accepted pending ownership transfers")
	return results, nil
}

// Hierarchy returns the chain from the root down to fileID, following the
// first parent of each entry
func (w *Walker) Hierarchy(ctx context.Context, fileID string) ([]models.DriveEntry, error) {
	var chain []models.DriveEntry
	visited := make(map[string]bool)

	id := fileID
	for id != "" && !visited[id] {
		visited[id] = true

		entry, err := w.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) && len(chain) > 0 {
				// Parent outside the caller's visibility
				break
			}
			return nil, err
		}
		chain = append(chain, *entry)

		id = ""
		if len(entry.Parents) > 0 {
			id = entry.Parents[0]
		}
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}
