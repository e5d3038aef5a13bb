package browser

import (
	"context"

	"github.com/ternarybob/arbor"
)

// session is the explicit handle threaded through every step: the driver,
// the current frame scope and the windows this run opened.
type session struct {
	driver Driver
	logger arbor.ILogger

	scope    Scope
	origin   string
	opened   []string
	baseline int // window count at the last switch
}

func newSession(ctx context.Context, driver Driver, logger arbor.ILogger) *session {
	s := &session{
		driver: driver,
		logger: logger,
		origin: driver.CurrentWindow(),
	}
	if windows, err := driver.Windows(ctx); err == nil {
		s.baseline = len(windows)
	}
	return s
}

// inFrame runs fn with scope set to frame and always restores the
// top-level context on return, including on panic.
func (s *session) inFrame(frame Scope, fn func() error) error {
	s.scope = frame
	defer func() {
		s.scope = Scope{}
	}()
	return fn()
}

// switchTo makes handle the active window and records it for cleanup
func (s *session) switchTo(ctx context.Context, handle string, windowCount int) error {
	if err := s.driver.SwitchWindow(ctx, handle); err != nil {
		return err
	}
	s.opened = append(s.opened, handle)
	s.baseline = windowCount
	s.scope = Scope{}
	return nil
}

// closeCurrent closes the newest window this run opened and returns to the previous one
func (s *session) closeCurrent(ctx context.Context) error {
	if len(s.opened) == 0 {
		return nil
	}
	last := s.opened[len(s.opened)-1]
	s.opened = s.opened[:len(s.opened)-1]

	if err := s.driver.CloseWindow(ctx, last); err != nil {
		return err
	}

	previous := s.origin
	if len(s.opened) > 0 {
		previous = s.opened[len(s.opened)-1]
	}
	s.scope = Scope{}
	if s.baseline > 0 {
		s.baseline--
	}
	return s.driver.SwitchWindow(ctx, previous)
}

// restore closes every window this run opened and returns to the origin
func (s *session) restore(ctx context.Context) {
	s.scope = Scope{}
	for len(s.opened) > 0 {
		if err := s.closeCurrent(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close automation window")
			s.opened = nil
			break
		}
	}
	if s.origin != "" && s.driver.CurrentWindow() != s.origin {
		if err := s.driver.SwitchWindow(ctx, s.origin); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to switch back to origin window")
		}
	}
}
