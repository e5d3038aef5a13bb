package browser

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/models"
)

// Config holds the engine's timing and target settings
type Config struct {
	TargetURL       string
	TargetDomain    string
	AccountEmail    string
	AccountPassword string
	AccountIndex    int
	StepTimeout     time.Duration
	StepRetryBudget int
	StepBackoff     time.Duration
	PollEvery       time.Duration
	CleanupTimeout  time.Duration
	SignInMarkers   []string
}

// DefaultSignInMarkers identify a redirect to the sign-in page
var DefaultSignInMarkers = []string{"accounts.google.com", "signin", "ServiceLogin"}

// NewConfig builds the engine config from the [automation] section
func NewConfig(cfg *common.AutomationConfig) Config {
	return Config{
		TargetURL:       cfg.TargetURL,
		TargetDomain:    cfg.TargetDomain,
		AccountEmail:    cfg.AccountEmail,
		AccountPassword: cfg.AccountPassword,
		AccountIndex:    cfg.AccountIndex,
		StepTimeout:     common.ParseDurationOr(cfg.StepTimeout, 20*time.Second),
		StepRetryBudget: cfg.StepRetryBudget,
		StepBackoff:     common.ParseDurationOr(cfg.StepBackoff, 2*time.Second),
		PollEvery:       common.ParseDurationOr(cfg.PollEvery, 250*time.Millisecond),
		CleanupTimeout:  10 * time.Second,
		SignInMarkers:   DefaultSignInMarkers,
	}
}

// Engine runs automation flows. One Engine may be shared, but callers must
// not run two flows at once against the same account (see the dispatcher's
// single-flight guard).
type Engine struct {
	config    Config
	launcher  Launcher
	cache     SessionCache
	loginFlow models.AutomationFlow
	logger    arbor.ILogger

	// OnState, when set, observes every state transition
	OnState func(models.EngineState)

	logins atomic.Int64
}

// NewEngine creates an automation engine. cache may be nil, in which case
// every run performs interactive login.
func NewEngine(config Config, launcher Launcher, cache SessionCache, loginFlow models.AutomationFlow, logger arbor.ILogger) *Engine {
	if config.StepRetryBudget < 1 {
		config.StepRetryBudget = 1
	}
	if config.PollEvery <= 0 {
		config.PollEvery = 250 * time.Millisecond
	}
	if config.CleanupTimeout <= 0 {
		config.CleanupTimeout = 10 * time.Second
	}
	if len(config.SignInMarkers) == 0 {
		config.SignInMarkers = DefaultSignInMarkers
	}
	return &Engine{
		config:    config,
		launcher:  launcher,
		cache:     cache,
		loginFlow: loginFlow,
		logger:    logger,
	}
}

// LoginInvocations returns how many times interactive login has run
func (e *Engine) LoginInvocations() int64 {
	return e.logins.Load()
}

// Run executes flow in a fresh browser session and always returns an
// Outcome; it never panics past this boundary. vars fill {placeholders}
// in the flow.
func (e *Engine) Run(ctx context.Context, flow models.AutomationFlow, vars map[string]string) (outcome models.Outcome) {
	start := time.Now()
	logger := e.logger
	if id := vars["message_id"]; id != "" {
		logger = logger.WithCorrelationId(id)
	}

	outcome.StepIndex = -1
	e.transition(logger, models.StateIdle)

	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(buf[:n])).
				Msg("Automation run panicked")
			outcome.Status = models.StateFailed
			outcome.Kind = models.KindUnexpected
			outcome.Reason = fmt.Sprintf("panic: %v", r)
			e.transition(logger, models.StateFailed)
		}
		outcome.DurationSec = time.Since(start).Seconds()
	}()

	run := expandFlow(flow, e.templateVars(vars), logger)

	driver, err := e.launcher.Launch(ctx)
	if err != nil {
		return e.fail(logger, outcome, models.KindUnexpected, fmt.Errorf("failed to launch browser: %w", err))
	}
	defer e.closeDriver(logger, driver)

	sess := newSession(ctx, driver, logger)
	defer sess.restore(context.WithoutCancel(ctx))

	e.transition(logger, models.StateNavigatingToTarget)
	if err := e.navigate(ctx, driver, e.config.TargetURL); err != nil {
		return e.fail(logger, outcome, models.KindOf(err), err)
	}

	e.transition(logger, models.StateEstablishingSession)
	loginUsed, err := e.establishSession(ctx, sess)
	outcome.LoginUsed = loginUsed
	if err != nil {
		e.captureFailurePage(ctx, driver, &outcome)
		return e.fail(logger, outcome, models.KindOf(err), err)
	}

	e.transition(logger, models.StateExecutingSteps)
	for i, step := range run.Steps {
		outcome.StepIndex = i
		outcome.StepName = step.Name

		attempts, err := e.runStep(ctx, sess, step, logger)
		outcome.Attempts = attempts
		if err != nil {
			e.captureFailurePage(ctx, driver, &outcome)
			logger.Error().
				Int("step_index", i).
				Str("step", step.Name).
				Str("kind", string(models.KindOf(err))).
				Err(err).
				Msg("Automation step failed")
			return e.fail(logger, outcome, models.KindOf(err), err)
		}
	}

	outcome.Status = models.StateCompleted
	e.transition(logger, models.StateCompleted)
	logger.Info().
		Str("flow", run.Name).
		Int("steps", len(run.Steps)).
		Bool("login_used", outcome.LoginUsed).
		Dur("duration", time.Since(start)).
		Msg("Automation flow completed")
	return outcome
}

func (e *Engine) fail(logger arbor.ILogger, outcome models.Outcome, kind models.FailureKind, err error) models.Outcome {
	outcome.Status = models.StateFailed
	outcome.Kind = kind
	outcome.Reason = err.Error()
	e.transition(logger, models.StateFailed)
	return outcome
}

func (e *Engine) transition(logger arbor.ILogger, state models.EngineState) {
	logger.Debug().Str("state", string(state)).Msg("Automation state")
	if e.OnState != nil {
		e.OnState(state)
	}
}

func (e *Engine) templateVars(vars map[string]string) map[string]string {
	out := map[string]string{
		"target_url":    e.config.TargetURL,
		"account_index": strconv.Itoa(e.config.AccountIndex),
		"email":         e.config.AccountEmail,
	}
	for k, v := range vars {
		out[k] = v
	}
	return out
}

// closeDriver terminates the browser, bounded by CleanupTimeout
func (e *Engine) closeDriver(logger arbor.ILogger, driver Driver) {
	done := make(chan error, 1)
	go func() {
		defer common.RecoverPanic(logger, "browser-close")
		done <- driver.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			logger.Warn().Err(err).Msg("Browser close reported an error")
		} else {
			logger.Debug().Msg("Browser session closed")
		}
	case <-time.After(e.config.CleanupTimeout):
		logger.Warn().Dur("timeout", e.config.CleanupTimeout).Msg("Browser close timed out")
	}
}

func (e *Engine) navigate(ctx context.Context, driver Driver, url string) error {
	return e.navigateWithin(ctx, driver, url, e.config.StepTimeout)
}

// establishSession replays cached cookies and falls back to interactive
// login when the replay is missing or stale. It reports whether login ran.
func (e *Engine) establishSession(ctx context.Context, sess *session) (bool, error) {
	if e.cache != nil {
		replayed, err := e.cache.Replay(ctx, sess.driver, e.config.TargetDomain)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Cookie replay failed, falling back to interactive login")
		}
		if replayed {
			if err := e.navigate(ctx, sess.driver, e.config.TargetURL); err != nil {
				return false, err
			}
			signedIn, err := e.signedIn(ctx, sess.driver)
			if err != nil {
				return false, err
			}
			if signedIn {
				e.logger.Info().Msg("Session restored from cached cookies")
				return false, nil
			}

			stale := models.NewTaskError(models.KindSessionStale, "cookie replay", nil)
			e.logger.Warn().Err(stale).Msg("Cached session rejected, performing interactive login")
			if err := e.cache.Invalidate(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to discard stale cookies")
			}
		}
	}

	if err := e.interactiveLogin(ctx, sess); err != nil {
		return true, err
	}
	return true, nil
}

func (e *Engine) signedIn(ctx context.Context, driver Driver) (bool, error) {
	url, err := driver.CurrentURL(ctx)
	if err != nil {
		return false, models.NewTaskError(models.KindNavigationTimeout, "read current url", err)
	}
	for _, marker := range e.config.SignInMarkers {
		if strings.Contains(url, marker) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) interactiveLogin(ctx context.Context, sess *session) error {
	e.logins.Add(1)

	if e.config.AccountEmail == "" || e.config.AccountPassword == "" {
		return models.NewTaskError(models.KindAuth, "interactive login", errors.New("no automation account credentials configured"))
	}

	e.logger.Info().Str("account", e.config.AccountEmail).Msg("Performing interactive login")

	flow := expandFlow(e.loginFlow, map[string]string{
		"email":         e.config.AccountEmail,
		"password":      e.config.AccountPassword,
		"target_url":    e.config.TargetURL,
		"account_index": strconv.Itoa(e.config.AccountIndex),
	}, nil)

	for _, step := range flow.Steps {
		if _, err := e.runStep(ctx, sess, step, e.logger); err != nil {
			return err
		}
	}

	signedIn, err := e.signedIn(ctx, sess.driver)
	if err != nil {
		return err
	}
	if !signedIn {
		return models.NewTaskError(models.KindAuth, "interactive login", errors.New("still on sign-in page after login flow"))
	}

	if e.cache != nil {
		cookies, err := sess.driver.Cookies(ctx)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Failed to read cookies after login")
		} else if err := e.cache.Store(ctx, cookies); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to cache cookies after login")
		}
	}

	return e.navigate(ctx, sess.driver, e.config.TargetURL)
}

// captureFailurePage records the page the run failed on for the error report
func (e *Engine) captureFailurePage(ctx context.Context, driver Driver, outcome *models.Outcome) {
	captureCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if url, err := driver.CurrentURL(captureCtx); err == nil {
		outcome.PageURL = url
	}
	if html, err := driver.HTML(captureCtx); err == nil {
		outcome.PageHTML = html
	}
}

func expandFlow(flow models.AutomationFlow, vars map[string]string, logger arbor.ILogger) models.AutomationFlow {
	run := cloneFlow(flow)
	if err := common.ExpandInStruct(&run, vars, logger); err != nil && logger != nil {
		logger.Warn().Err(err).Msg("Failed to expand flow placeholders")
	}
	return run
}

func cloneFlow(flow models.AutomationFlow) models.AutomationFlow {
	out := models.AutomationFlow{Name: flow.Name, Steps: cloneSteps(flow.Steps)}
	return out
}

func cloneSteps(steps []models.AutomationStep) []models.AutomationStep {
	if steps == nil {
		return nil
	}
	out := make([]models.AutomationStep, len(steps))
	for i, step := range steps {
		step.Locators = append([]models.Locator(nil), step.Locators...)
		step.Steps = cloneSteps(step.Steps)
		out[i] = step
	}
	return out
}
