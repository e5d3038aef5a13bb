// Package cookies persists the automation browser's session cookies and
// replays them so a run can skip interactive login.
package cookies

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

// Injector is a browser session that accepts cookies
type Injector interface {
	SetCookies(ctx context.Context, cookies []models.SessionCookie) error
}

// Cache stores and replays the cookie jar of one automation account
type Cache struct {
	storage interfaces.CookieStorage
	account string
	logger  arbor.ILogger
}

// NewCache creates a cookie cache for account
func NewCache(storage interfaces.CookieStorage, account string, logger arbor.ILogger) *Cache {
	return &Cache{
		storage: storage,
		account: account,
		logger:  logger,
	}
}

// Store overwrites the persisted jar with cookies
func (c *Cache) Store(ctx context.Context, cookies []models.SessionCookie) error {
	jar := &models.SessionCookieJar{
		Account:    c.account,
		Cookies:    append([]models.SessionCookie(nil), cookies...),
		CapturedAt: time.Now(),
	}
	if err := c.storage.SaveCookieJar(ctx, jar); err != nil {
		return fmt.Errorf("failed to store session cookies: %w", err)
	}

	c.logger.Info().Int("cookies", len(cookies)).Msg("Session cookies cached")
	return nil
}

// Replay injects the persisted cookies matching targetDomain and reports
// whether anything was injected. The caller must reload the target page and
// check it did not land on a sign-in page.
func (c *Cache) Replay(ctx context.Context, injector Injector, targetDomain string) (bool, error) {
	jar, err := c.storage.GetCookieJar(ctx, c.account)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			c.logger.Debug().Msg("No cached session cookies")
			return false, nil
		}
		return false, fmt.Errorf("failed to read session cookies: %w", err)
	}

	replay := FilterForDomain(jar.Cookies, targetDomain)
	if len(replay) == 0 {
		c.logger.Debug().Str("domain", targetDomain).Msg("No cached cookies match target domain")
		return false, nil
	}

	if err := injector.SetCookies(ctx, replay); err != nil {
		return false, fmt.Errorf("failed to inject session cookies: %w", err)
	}

	c.logger.Info().
		Int("injected", len(replay)).
		Int("cached", len(jar.Cookies)).
		Str("domain", targetDomain).
		Msg("Session cookies replayed")
	return true, nil
}

// Invalidate discards the persisted jar after a failed replay
func (c *Cache) Invalidate(ctx context.Context) error {
	return c.storage.DeleteCookieJar(ctx, c.account)
}

// FilterForDomain returns copies of the cookies whose domain lies within
// targetDomain, rewritten to targetDomain and with the expiry stripped.
// __Host- cookies are skipped because they may not carry a Domain attribute.
func FilterForDomain(cookies []models.SessionCookie, targetDomain string) []models.SessionCookie {
	target := normalizeDomain(targetDomain)
	if target == "" {
		return nil
	}

	var out []models.SessionCookie
	for _, cookie := range cookies {
		if strings.HasPrefix(cookie.Name, "__Host-") {
			continue
		}
		if !domainMatches(normalizeDomain(cookie.Domain), target) {
			continue
		}
		cookie.Domain = targetDomain
		cookie.Expires = 0
		if cookie.Path == "" {
			cookie.Path = "/"
		}
		out = append(out, cookie)
	}
	return out
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(domain), "."))
}

// domainMatches is true when domain equals target or is a subdomain of it
func domainMatches(domain, target string) bool {
	return domain == target || strings.HasSuffix(domain, "."+target)
}
