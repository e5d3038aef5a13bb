package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/models"
)

// runStep executes step under its retry budget and returns the number of
// attempts made. Context cancellation and auth failures are not retried.
func (e *Engine) runStep(ctx context.Context, sess *session, step models.AutomationStep, logger arbor.ILogger) (int, error) {
	budget := step.RetryBudget
	if budget < 1 {
		budget = e.config.StepRetryBudget
	}
	timeout := common.ParseDurationOr(step.Timeout, e.config.StepTimeout)

	var lastErr error
	for attempt := 1; attempt <= budget; attempt++ {
		err := e.attemptStep(ctx, sess, step, timeout, logger)
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("step", step.Name).
					Int("attempt", attempt).
					Msg("Step succeeded after retry")
			}
			return attempt, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if models.KindOf(err).HaltsRetries() {
			return attempt, err
		}

		logger.Warn().
			Str("step", step.Name).
			Str("action", string(step.Action)).
			Int("attempt", attempt).
			Int("budget", budget).
			Err(err).
			Msg("Step attempt failed")

		if attempt < budget && e.config.StepBackoff > 0 {
			select {
			case <-ctx.Done():
				return attempt, ctx.Err()
			case <-time.After(e.config.StepBackoff):
			}
		}
	}
	return budget, lastErr
}

// attemptStep performs one attempt of step
func (e *Engine) attemptStep(ctx context.Context, sess *session, step models.AutomationStep, timeout time.Duration, logger arbor.ILogger) error {
	switch step.Action {
	case models.ActionNavigate:
		return e.navigateWithin(ctx, sess.driver, step.URL, timeout)

	case models.ActionClick:
		loc, err := e.waitFor(ctx, sess, step.Locators, conditionOr(step.Wait, models.WaitClickable), timeout)
		if err != nil {
			return err
		}
		logger.Debug().Str("step", step.Name).Str("locator", loc.String()).Str("scope", sess.scope.String()).Msg("Clicking element")
		if err := sess.driver.Click(ctx, sess.scope, loc); err != nil {
			return models.NewTaskError(models.KindElementNotFound, "click "+loc.String(), err)
		}
		return nil

	case models.ActionType:
		loc, err := e.waitFor(ctx, sess, step.Locators, conditionOr(step.Wait, models.WaitVisible), timeout)
		if err != nil {
			return err
		}
		text := step.Text
		if step.Secret {
			text = "***"
		}
		logger.Debug().Str("step", step.Name).Str("locator", loc.String()).Str("text", text).Msg("Typing into element")
		if err := sess.driver.Type(ctx, sess.scope, loc, step.Text, step.Submit); err != nil {
			return models.NewTaskError(models.KindElementNotFound, "type "+loc.String(), err)
		}
		return nil

	case models.ActionSwitchFrame:
		return e.inFrames(ctx, sess, step, timeout, logger)

	case models.ActionSwitchWindow:
		handles, err := e.waitForWindows(ctx, sess, sess.baseline+1, timeout)
		if err != nil {
			return err
		}
		newest := handles[len(handles)-1]
		logger.Debug().Str("window", newest).Int("windows", len(handles)).Msg("Switching to new window")
		if err := sess.switchTo(ctx, newest, len(handles)); err != nil {
			return models.NewTaskError(models.KindWindowSwitchFailure, "switch window", err)
		}
		return nil

	case models.ActionCloseWindow:
		if err := sess.closeCurrent(ctx); err != nil {
			return models.NewTaskError(models.KindWindowSwitchFailure, "close window", err)
		}
		return nil

	case models.ActionWait:
		if step.Wait == models.WaitWindowCount {
			_, err := e.waitForWindows(ctx, sess, sess.baseline+1, timeout)
			return err
		}
		if len(step.Locators) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(timeout):
				return nil
			}
		}
		_, err := e.waitFor(ctx, sess, step.Locators, conditionOr(step.Wait, models.WaitPresent), timeout)
		return err

	default:
		return models.NewTaskError(models.KindUnexpected, "run step", fmt.Errorf("unknown action %q in step %q", step.Action, step.Name))
	}
}

func (e *Engine) navigateWithin(ctx context.Context, driver Driver, url string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := driver.Navigate(navCtx, url); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return models.NewTaskError(models.KindNavigationTimeout, "navigate "+url, err)
	}
	return nil
}

// waitFor polls locators in priority order until one satisfies cond and
// returns the first that does.
func (e *Engine) waitFor(ctx context.Context, sess *session, locators []models.Locator, cond models.WaitCondition, timeout time.Duration) (models.Locator, error) {
	if len(locators) == 0 {
		return models.Locator{}, models.NewTaskError(models.KindUnexpected, "wait", errors.New("step has no locators"))
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		for _, loc := range locators {
			ok, err := sess.driver.Probe(waitCtx, sess.scope, loc, cond)
			if err != nil {
				sess.logger.Debug().Str("locator", loc.String()).Err(err).Msg("Locator probe failed")
				continue
			}
			if ok {
				return loc, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return models.Locator{}, ctx.Err()
			}
			return models.Locator{}, models.NewTaskError(models.KindElementNotFound,
				fmt.Sprintf("wait %s for %s in %s", cond, locators[0].String(), sess.scope.String()), nil)
		case <-time.After(e.config.PollEvery):
		}
	}
}

// waitForWindows polls until at least want windows are open
func (e *Engine) waitForWindows(ctx context.Context, sess *session, want int, timeout time.Duration) ([]string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		handles, err := sess.driver.Windows(waitCtx)
		if err == nil && len(handles) >= want {
			return handles, nil
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, models.NewTaskError(models.KindWindowSwitchFailure,
				fmt.Sprintf("wait for %d windows", want), nil)
		case <-time.After(e.config.PollEvery):
		}
	}
}

// inFrames runs the step's inner steps inside each matching frame in turn
// until one frame succeeds. The top-level scope is restored afterwards.
func (e *Engine) inFrames(ctx context.Context, sess *session, step models.AutomationStep, timeout time.Duration, logger arbor.ILogger) error {
	frames, err := e.waitForFrames(ctx, sess, step.Locators, timeout)
	if err != nil {
		return err
	}

	var lastErr error
	for _, frame := range frames {
		err := sess.inFrame(frame, func() error {
			for _, inner := range step.Steps {
				innerTimeout := common.ParseDurationOr(inner.Timeout, timeout)
				if err := e.attemptStep(ctx, sess, inner, innerTimeout, logger); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			logger.Debug().Str("step", step.Name).Str("frame", frame.String()).Msg("Frame steps succeeded")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		logger.Debug().Str("frame", frame.String()).Err(err).Msg("Frame steps failed, trying next frame")
	}
	return lastErr
}

func (e *Engine) waitForFrames(ctx context.Context, sess *session, locators []models.Locator, timeout time.Duration) ([]Scope, error) {
	if len(locators) == 0 {
		return nil, models.NewTaskError(models.KindUnexpected, "switch frame", errors.New("step has no frame locators"))
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		for _, loc := range locators {
			frames, err := sess.driver.Frames(waitCtx, sess.scope, loc)
			if err == nil && len(frames) > 0 {
				return frames, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, models.NewTaskError(models.KindElementNotFound, "find frame "+locators[0].String(), nil)
		case <-time.After(e.config.PollEvery):
		}
	}
}

func conditionOr(cond, fallback models.WaitCondition) models.WaitCondition {
	if cond == "" {
		return fallback
	}
	return cond
}
