// Package dispatcher polls the mailbox for ownership-transfer invitations
// and drives each one through the browser automation engine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/interfaces"
	"github.com/ternarybob/handover/internal/models"
	"github.com/ternarybob/handover/internal/services/mailbox"
)

// ErrTickInProgress is returned when a tick is requested while another runs
var ErrTickInProgress = errors.New("poll tick already in progress")

// ErrHalted is returned by ticks while processing is halted on an auth failure
var ErrHalted = errors.New("dispatcher halted until credentials are refreshed")

// Runner executes one automation flow and always returns a typed outcome
type Runner interface {
	Run(ctx context.Context, flow models.AutomationFlow, vars map[string]string) models.Outcome
}

// Credentials is the slice of the credential store the dispatcher needs
type Credentials interface {
	interfaces.CredentialProvider
	// ImportVersion advances only when an operator imports new credentials
	ImportVersion(ctx context.Context) (int, time.Time, error)
}

// Reporter builds the error report for a permanently failed task
type Reporter interface {
	BuildReport(task *models.InvitationTask, outcome models.Outcome) *models.ErrorReport
}

// Config carries the injected polling policy
type Config struct {
	SenderMatch []string
	MaxResults  int64
	AttemptCap  int
	Workers     int
}

// TickResult summarises one poll tick
type TickResult struct {
	Listed     int `json:"listed"`
	Matched    int `json:"matched"`
	Created    int `json:"created"`
	Processed  int `json:"processed"`
	Accepted   int `json:"accepted"`
	Failed     int `json:"failed"`
	MarkedRead int `json:"marked_read"`
}

// Service is the mailbox poll dispatcher
type Service struct {
	config      Config
	mailbox     interfaces.Mailbox
	credentials Credentials
	tasks       interfaces.TaskStorage
	reports     interfaces.ReportStorage
	runner      Runner
	reporter    Reporter
	logger      arbor.ILogger

	flowMu sync.RWMutex
	flow   models.AutomationFlow

	tickMu    sync.Mutex // one tick at a time
	sessionMu sync.Mutex // one automation session at a time

	haltMu      sync.Mutex
	halted      bool
	haltVersion int
	haltedAt    time.Time

	// Accepted tasks whose save failed, keyed by message ID. They are
	// persisted on the next sighting instead of running again.
	unsavedMu sync.Mutex
	unsaved   map[string]models.InvitationTask

	runs atomic.Int64
}

// NewService creates the dispatcher
func NewService(
	config Config,
	mb interfaces.Mailbox,
	credentials Credentials,
	tasks interfaces.TaskStorage,
	reports interfaces.ReportStorage,
	runner Runner,
	flow models.AutomationFlow,
	reporter Reporter,
	logger arbor.ILogger,
) *Service {
	if config.AttemptCap < 1 {
		config.AttemptCap = 1
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &Service{
		config:      config,
		mailbox:     mb,
		credentials: credentials,
		tasks:       tasks,
		reports:     reports,
		runner:      runner,
		flow:        flow,
		reporter:    reporter,
		logger:      logger,
	}
}

// SetFlow replaces the accept flow used by subsequent runs
func (s *Service) SetFlow(flow models.AutomationFlow) {
	s.flowMu.Lock()
	defer s.flowMu.Unlock()
	s.flow = flow
}

func (s *Service) currentFlow() models.AutomationFlow {
	s.flowMu.RLock()
	defer s.flowMu.RUnlock()
	return s.flow
}

// Runs returns how many automation sessions have been started
func (s *Service) Runs() int64 {
	return s.runs.Load()
}

// Recover resets tasks left in_progress by an interrupted process so the
// next tick picks them up again
func (s *Service) Recover(ctx context.Context) (int, error) {
	stuck, err := s.tasks.ListTasksByStatus(ctx, models.TaskStatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("failed to list in-progress tasks: %w", err)
	}

	for _, task := range stuck {
		task.Status = models.TaskStatusPending
		if err := s.tasks.SaveTask(ctx, task); err != nil {
			return 0, fmt.Errorf("failed to reset task %s: %w", task.MessageID, err)
		}
		s.logger.Warn().Str("message_id", task.MessageID).Msg("Reset interrupted task to pending")
	}
	return len(stuck), nil
}

// CheckNow runs one tick synchronously
func (s *Service) CheckNow(ctx context.Context) (TickResult, error) {
	return s.Tick(ctx)
}

// Tick runs one poll cycle: validate credentials, list matching unread
// mail, reconcile it against the task log and process pending tasks.
// Ticks never overlap; a concurrent call returns ErrTickInProgress.
func (s *Service) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult

	if !s.tickMu.TryLock() {
		return result, ErrTickInProgress
	}
	defer s.tickMu.Unlock()

	if !s.checkResume(ctx) {
		return result, ErrHalted
	}

	if _, err := s.credentials.EnsureValid(ctx); err != nil {
		if models.KindOf(err).HaltsRetries() {
			s.halt(ctx, err)
		}
		return result, fmt.Errorf("credential check failed: %w", err)
	}

	refs, err := s.mailbox.ListUnread(ctx, models.MailFilter{Senders: s.config.SenderMatch, MaxResults: s.config.MaxResults})
	if err != nil {
		if models.KindOf(err).HaltsRetries() {
			s.halt(ctx, err)
		}
		return result, fmt.Errorf("failed to list unread mail: %w", err)
	}
	result.Listed = len(refs)

	var queue []string
	for _, ref := range refs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		enqueue, err := s.reconcile(ctx, ref, &result)
		if err != nil {
			if models.KindOf(err).HaltsRetries() {
				s.halt(ctx, err)
				return result, err
			}
			s.logger.Warn().Err(err).Str("message_id", ref.ID).Msg("Failed to reconcile message")
			continue
		}
		if enqueue {
			queue = append(queue, ref.ID)
		}
	}

	var mu sync.Mutex
	runPool(ctx, queue, s.config.Workers, s.logger, func(ctx context.Context, id string) {
		status, ran := s.process(ctx, id)
		if !ran {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		result.Processed++
		switch status {
		case models.TaskStatusAccepted:
			result.Accepted++
		case models.TaskStatusFailed:
			result.Failed++
		}
	})

	s.logger.Info().
		Int("listed", result.Listed).
		Int("matched", result.Matched).
		Int("created", result.Created).
		Int("processed", result.Processed).
		Int("accepted", result.Accepted).
		Int("failed", result.Failed).
		Msg("Poll tick complete")

	return result, nil
}

// reconcile matches one unread message against the task log and reports
// whether it needs an automation run
func (s *Service) reconcile(ctx context.Context, ref models.MessageRef, result *TickResult) (bool, error) {
	headers, err := s.mailbox.GetHeaders(ctx, ref.ID)
	if err != nil {
		return false, fmt.Errorf("failed to read headers: %w", err)
	}

	from := headers["From"]
	if len(s.config.SenderMatch) > 0 && !mailbox.MatchSender(from, s.config.SenderMatch) {
		s.logger.Debug().Str("message_id", ref.ID).Str("from", from).Msg("Sender does not match, skipping")
		return false, nil
	}
	result.Matched++

	// A completed run whose save failed: persist it, never rerun
	if accepted, ok := s.takeUnsaved(ref.ID); ok {
		if err := s.saveAccepted(ctx, &accepted); err != nil {
			s.keepUnsaved(accepted)
			return false, err
		}
		if s.markRead(ctx, &accepted) {
			result.MarkedRead++
		}
		return false, nil
	}

	task, err := s.tasks.GetTask(ctx, ref.ID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		task = &models.InvitationTask{
			MessageID: ref.ID,
			Status:    models.TaskStatusPending,
			Sender:    from,
			Subject:   headers["Subject"],
		}
		if err := s.tasks.SaveTask(ctx, task); err != nil {
			return false, fmt.Errorf("failed to create task: %w", err)
		}
		result.Created++
		s.logger.Info().Str("message_id", ref.ID).Str("subject", task.Subject).Msg("Created invitation task")
		return true, nil

	case err != nil:
		return false, fmt.Errorf("failed to load task: %w", err)
	}

	switch task.Status {
	case models.TaskStatusPending:
		return true, nil

	case models.TaskStatusAccepted:
		// Still unread after acceptance: only the read flag is outstanding
		if s.markRead(ctx, task) {
			result.MarkedRead++
		}
		return false, nil

	case models.TaskStatusFailed:
		s.logger.Debug().Str("message_id", ref.ID).Msg("Task permanently failed, skipping")
		return false, nil

	default:
		// in_progress outside a run only happens after a crash; Recover resets it
		s.logger.Debug().Str("message_id", ref.ID).Str("status", string(task.Status)).Msg("Task not pending, skipping")
		return false, nil
	}
}

// process runs the automation for one pending task. ran is false when the
// task was skipped without starting a session.
func (s *Service) process(ctx context.Context, messageID string) (status models.TaskStatus, ran bool) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	logger := s.logger.WithCorrelationId(messageID)

	if s.isHalted() {
		logger.Debug().Msg("Dispatcher halted, leaving task pending")
		return "", false
	}

	task, err := s.tasks.GetTask(ctx, messageID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load task")
		return "", false
	}
	if task.Status != models.TaskStatusPending {
		logger.Debug().Str("status", string(task.Status)).Msg("Task no longer pending, skipping")
		return task.Status, false
	}

	task.Status = models.TaskStatusInProgress
	if err := s.tasks.SaveTask(ctx, task); err != nil {
		logger.Error().Err(err).Msg("Failed to mark task in progress")
		return "", false
	}

	s.runs.Add(1)
	outcome := s.runner.Run(ctx, s.currentFlow(), map[string]string{"message_id": messageID})

	// Shutdown interrupted the run: leave the task in_progress for Recover
	if !outcome.Completed() && ctx.Err() != nil {
		logger.Warn().Str("reason", outcome.Reason).Msg("Automation interrupted by shutdown")
		return task.Status, true
	}

	// Persist with a context that outlives a shutdown racing the run's end
	persistCtx := context.WithoutCancel(ctx)

	if outcome.Completed() {
		now := time.Now()
		task.Status = models.TaskStatusAccepted
		task.CompletedAt = &now
		task.LastKind = ""
		task.LastError = ""
		if err := s.saveAccepted(persistCtx, task); err != nil {
			// The message stays unread, so the next tick persists it without a rerun
			s.keepUnsaved(*task)
			logger.Error().Err(err).Msg("Failed to persist accepted task, holding acceptance in memory")
			return task.Status, true
		}
		logger.Info().Dur("duration", time.Duration(outcome.DurationSec*float64(time.Second))).Msg("Invitation accepted")
		s.markRead(persistCtx, task)
		return task.Status, true
	}

	task.LastKind = outcome.Kind
	task.LastError = outcome.Reason

	if outcome.Kind.HaltsRetries() {
		task.Status = models.TaskStatusPending
		if err := s.tasks.SaveTask(persistCtx, task); err != nil {
			logger.Error().Err(err).Msg("Failed to persist task")
		}
		s.halt(persistCtx, models.NewTaskError(outcome.Kind, "automation", errors.New(outcome.Reason)))
		return task.Status, true
	}

	task.AttemptCount++
	if task.AttemptCount >= s.config.AttemptCap {
		now := time.Now()
		task.Status = models.TaskStatusFailed
		task.CompletedAt = &now

		report := s.reporter.BuildReport(task, outcome)
		if err := s.reports.SaveReport(persistCtx, report); err != nil {
			logger.Error().Err(err).Msg("Failed to save error report")
		}

		logger.Error().
			Str("kind", string(outcome.Kind)).
			Str("reason", outcome.Reason).
			Int("step_index", outcome.StepIndex).
			Str("step_name", outcome.StepName).
			Int("attempt_count", task.AttemptCount).
			Str("report_id", report.ID).
			Msg("Task permanently failed")
	} else {
		task.Status = models.TaskStatusPending
		logger.Warn().
			Str("kind", string(outcome.Kind)).
			Str("reason", outcome.Reason).
			Int("step_index", outcome.StepIndex).
			Str("step_name", outcome.StepName).
			Int("attempt_count", task.AttemptCount).
			Int("attempt_cap", s.config.AttemptCap).
			Msg("Automation failed, will retry next poll")
	}

	if err := s.tasks.SaveTask(persistCtx, task); err != nil {
		logger.Error().Err(err).Msg("Failed to persist task")
	}
	return task.Status, true
}

// AcceptedSaveAttempts and AcceptedSaveBackoff bound the retries of the
// save that records a completed acceptance
var (
	AcceptedSaveAttempts = 3
	AcceptedSaveBackoff  = 200 * time.Millisecond
)

func (s *Service) saveAccepted(ctx context.Context, task *models.InvitationTask) error {
	var err error
	for attempt := 1; attempt <= AcceptedSaveAttempts; attempt++ {
		if err = s.tasks.SaveTask(ctx, task); err == nil {
			return nil
		}
		s.logger.Warn().
			Err(err).
			Str("message_id", task.MessageID).
			Int("attempt", attempt).
			Msg("Failed to persist accepted task")

		if attempt < AcceptedSaveAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * AcceptedSaveBackoff):
			}
		}
	}
	return fmt.Errorf("failed to persist accepted task after %d attempts: %w", AcceptedSaveAttempts, err)
}

func (s *Service) keepUnsaved(task models.InvitationTask) {
	s.unsavedMu.Lock()
	defer s.unsavedMu.Unlock()
	if s.unsaved == nil {
		s.unsaved = make(map[string]models.InvitationTask)
	}
	s.unsaved[task.MessageID] = task
}

func (s *Service) takeUnsaved(messageID string) (models.InvitationTask, bool) {
	s.unsavedMu.Lock()
	defer s.unsavedMu.Unlock()
	task, ok := s.unsaved[messageID]
	if ok {
		delete(s.unsaved, messageID)
	}
	return task, ok
}

// markRead flips the message to read and records it on the task
func (s *Service) markRead(ctx context.Context, task *models.InvitationTask) bool {
	if err := s.mailbox.MarkRead(ctx, task.MessageID); err != nil {
		s.logger.Warn().Err(err).Str("message_id", task.MessageID).Msg("Failed to mark message read, will retry next poll")
		return false
	}

	task.MarkedRead = true
	if err := s.tasks.SaveTask(ctx, task); err != nil {
		s.logger.Warn().Err(err).Str("message_id", task.MessageID).Msg("Failed to record read flag")
	}
	return true
}

// Halted reports whether automatic processing is stopped
func (s *Service) Halted() bool {
	return s.isHalted()
}

func (s *Service) isHalted() bool {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	return s.halted
}

func (s *Service) halt(ctx context.Context, cause error) {
	version, _, verr := s.credentials.ImportVersion(ctx)
	if verr != nil {
		version = 0
	}

	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	if s.halted {
		return
	}
	s.halted = true
	s.haltVersion = version
	s.haltedAt = time.Now()

	s.logger.Error().
		Err(cause).
		Int("import_version", version).
		Msg("Authorization failure, halting automatic processing until credentials are imported")
}

// Resume clears a halt
func (s *Service) Resume() {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	if s.halted {
		s.halted = false
		s.logger.Info().Msg("Dispatcher resumed")
	}
}

// checkResume lifts a halt once an operator has imported credentials
// since it began, and reports whether processing may continue. Token
// refreshes do not count.
func (s *Service) checkResume(ctx context.Context) bool {
	s.haltMu.Lock()
	halted, haltVersion, haltedAt := s.halted, s.haltVersion, s.haltedAt
	s.haltMu.Unlock()

	if !halted {
		return true
	}

	version, _, err := s.credentials.ImportVersion(ctx)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Still halted, no credential record")
		return false
	}
	if version > haltVersion {
		s.logger.Info().
			Int("import_version", version).
			Dur("halted_for", time.Since(haltedAt)).
			Msg("Credentials imported, resuming")
		s.Resume()
		return true
	}

	s.logger.Debug().Msg("Still halted, waiting for a credential import")
	return false
}
