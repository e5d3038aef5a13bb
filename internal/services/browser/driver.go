// Package browser drives a headless browser through scripted, retryable
// UI flows such as accepting an ownership-transfer invitation.
package browser

import (
	"context"

	"github.com/chromedp/cdproto/cdp"

	"github.com/ternarybob/handover/internal/models"
	"github.com/ternarybob/handover/internal/services/cookies"
)

// Scope is a browsing context within the current window: the top-level
// document (zero value) or a frame found by Driver.Frames.
type Scope struct {
	Name string
	node *cdp.Node
	// target is set for an out-of-process frame attached as its own session
	target string
}

// IsTop reports whether the scope is the top-level document
func (s Scope) IsTop() bool {
	return s.Name == "" && s.node == nil
}

func (s Scope) String() string {
	if s.IsTop() {
		return "top"
	}
	return s.Name
}

// Driver is one live browser session. Element operations take the Scope
// explicitly; the active window is driver state changed via SwitchWindow.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	CurrentURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)

	// Probe evaluates cond for loc once, without waiting
	Probe(ctx context.Context, scope Scope, loc models.Locator, cond models.WaitCondition) (bool, error)
	Click(ctx context.Context, scope Scope, loc models.Locator) error
	Type(ctx context.Context, scope Scope, loc models.Locator, text string, submit bool) error
	// Frames returns a scope for every frame element matching loc
	Frames(ctx context.Context, scope Scope, loc models.Locator) ([]Scope, error)

	// Windows returns open window handles, oldest first
	Windows(ctx context.Context) ([]string, error)
	CurrentWindow() string
	SwitchWindow(ctx context.Context, handle string) error
	CloseWindow(ctx context.Context, handle string) error

	Cookies(ctx context.Context) ([]models.SessionCookie, error)
	SetCookies(ctx context.Context, cookies []models.SessionCookie) error

	// Close terminates the browser process. It must be safe to call more than once.
	Close() error
}

// Launcher starts a fresh browser session
type Launcher interface {
	Launch(ctx context.Context) (Driver, error)
}

// SessionCache is the cookie cache used during session establishment
type SessionCache interface {
	Replay(ctx context.Context, injector cookies.Injector, targetDomain string) (bool, error)
	Store(ctx context.Context, cookies []models.SessionCookie) error
	Invalidate(ctx context.Context) error
}
