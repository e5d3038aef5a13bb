package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/common"
	"github.com/ternarybob/handover/internal/interfaces"
	"github.com/ternarybob/handover/internal/models"
	"github.com/ternarybob/handover/internal/services/browser"
	"github.com/ternarybob/handover/internal/services/cookies"
	"github.com/ternarybob/handover/internal/services/credentials"
	"github.com/ternarybob/handover/internal/services/diagnostics"
	"github.com/ternarybob/handover/internal/services/dispatcher"
	"github.com/ternarybob/handover/internal/services/drive"
	"github.com/ternarybob/handover/internal/services/google"
	"github.com/ternarybob/handover/internal/services/imap"
	"github.com/ternarybob/handover/internal/services/scheduler"
	"github.com/ternarybob/handover/internal/storage"
)

const (
	pollJobName        = "mailbox-poll"
	driveReportJobName = "drive-report"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	ctx            context.Context
	cancelCtx      context.CancelFunc
	StorageManager interfaces.StorageManager

	// Credential store and browser session state
	CredentialService *credentials.Service
	CookieCache       *cookies.Cache

	// Mail and file store collaborators
	Mailbox   interfaces.Mailbox
	FileStore interfaces.FileStore

	// Automation
	Engine      *browser.Engine
	AcceptFlow  models.AutomationFlow
	Diagnostics *diagnostics.Service

	DispatcherService *dispatcher.Service
	DriveWalker       *drive.Walker
	Groups            *google.DirectoryGroups
	SchedulerService  *scheduler.Service
}

// NewStorageOnly opens storage without the services that need the
// encryption secret. Used by read-only commands.
func NewStorageOnly(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config:    cfg,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := app.initDatabase(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return app, nil
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app, err := NewStorageOnly(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := app.initServices(); err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	logger.Info().
		Str("mailbox_backend", cfg.Mailbox.Backend).
		Strs("sender_match", cfg.Mailbox.SenderMatch).
		Int("attempt_cap", cfg.Dispatcher.AttemptCap).
		Str("accept_flow", app.AcceptFlow.Name).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order:
// credentials, cookie cache, mailbox, file store, engine, dispatcher, scheduler
func (a *App) initServices() error {
	cfg := a.Config

	cipher, err := credentials.CipherFromEnv(cfg.Credentials.SecretKeyEnv)
	if err != nil {
		return fmt.Errorf("failed to load credential secret: %w", err)
	}

	a.CredentialService = credentials.NewService(
		a.StorageManager.CredentialStorage(),
		cipher,
		common.ParseDurationOr(cfg.Credentials.RefreshMargin, 5*time.Minute),
		a.Logger,
	)

	a.CookieCache = cookies.NewCache(a.StorageManager.CookieStorage(), cfg.Automation.AccountEmail, a.Logger)

	if err := a.initMailbox(); err != nil {
		return err
	}
	if err := a.initDrive(); err != nil {
		return err
	}
	if err := a.initEngine(); err != nil {
		return err
	}

	a.Diagnostics = diagnostics.NewService(diagnostics.DefaultSnapshotLimit, a.Logger)

	a.DispatcherService = dispatcher.NewService(
		dispatcher.Config{
			SenderMatch: cfg.Mailbox.SenderMatch,
			MaxResults:  cfg.Mailbox.MaxResults,
			AttemptCap:  cfg.Dispatcher.AttemptCap,
			Workers:     cfg.Dispatcher.Workers,
		},
		a.Mailbox,
		a.CredentialService,
		a.StorageManager.TaskStorage(),
		a.StorageManager.ReportStorage(),
		a.Engine,
		a.AcceptFlow,
		a.Diagnostics,
		a.Logger,
	)

	a.SchedulerService = scheduler.NewService(a.Logger)
	return nil
}

func (a *App) initMailbox() error {
	switch a.Config.Mailbox.Backend {
	case "imap":
		mb := imap.NewMailbox(a.Config.Mailbox.IMAP, a.Logger)
		if a.Config.Mailbox.IMAP.Password == "" {
			mb = mb.WithTokenSource(a.CredentialService.TokenSource(a.ctx))
		}
		a.Mailbox = mb
	default:
		svc, err := google.NewGmailService(a.ctx, a.CredentialService.TokenSource(a.ctx))
		if err != nil {
			return fmt.Errorf("failed to create gmail client: %w", err)
		}
		a.Mailbox = google.NewGmailMailbox(svc, google.NewRateLimiter(google.ServiceGmail), a.Logger)
	}

	a.Logger.Debug().Str("backend", a.Config.Mailbox.Backend).Msg("Mailbox initialized")
	return nil
}

func (a *App) initDrive() error {
	svc, err := google.NewDriveService(a.ctx, a.CredentialService.TokenSource(a.ctx))
	if err != nil {
		return fmt.Errorf("failed to create drive client: %w", err)
	}

	limiter := google.NewRateLimiterWithConfig(google.RateLimitConfig{
		RequestsPerSecond: a.Config.Drive.RequestsPerSec,
		BurstSize:         a.Config.Drive.Burst,
	})
	a.FileStore = google.NewDriveStore(svc, limiter, a.Config.Drive.PageSize, a.Logger)
	a.DriveWalker = drive.NewWalker(a.FileStore, a.Logger)

	dirSvc, err := google.NewDirectoryService(a.ctx, a.CredentialService.TokenSource(a.ctx))
	if err != nil {
		return fmt.Errorf("failed to create directory client: %w", err)
	}
	a.Groups = google.NewDirectoryGroups(dirSvc, google.NewRateLimiter(google.ServiceDirectory), a.Logger)
	return nil
}

func (a *App) initEngine() error {
	automation := &a.Config.Automation

	a.AcceptFlow = browser.DefaultAcceptFlow()
	if automation.FlowFile != "" {
		flow, err := browser.LoadFlowFile(automation.FlowFile)
		if err != nil {
			return fmt.Errorf("failed to load accept flow: %w", err)
		}
		a.AcceptFlow = flow
	}

	loginFlow := browser.DefaultLoginFlow()
	if automation.LoginFlowFile != "" {
		flow, err := browser.LoadFlowFile(automation.LoginFlowFile)
		if err != nil {
			return fmt.Errorf("failed to load login flow: %w", err)
		}
		loginFlow = flow
	}

	a.Engine = browser.NewEngine(
		browser.NewConfig(automation),
		browser.NewChromeLauncher(automation, a.Logger),
		a.CookieCache,
		loginFlow,
		a.Logger,
	)
	return nil
}

// Start recovers interrupted tasks and schedules the poll and report jobs
func (a *App) Start() error {
	cfg := a.Config

	reset, err := a.DispatcherService.Recover(a.ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted tasks: %w", err)
	}
	if reset > 0 {
		a.Logger.Info().Int("tasks", reset).Msg("Recovered interrupted tasks")
	}

	if cfg.Dispatcher.Enabled {
		interval := common.ParseDurationOr(cfg.Mailbox.PollInterval, time.Minute)
		if err := a.SchedulerService.RegisterJob(pollJobName, "@every "+interval.String(), a.pollJob); err != nil {
			return fmt.Errorf("failed to register poll job: %w", err)
		}
	} else {
		a.Logger.Warn().Msg("Dispatcher disabled, mailbox will not be polled")
	}

	if cfg.Drive.ReportSchedule != "" && cfg.Drive.ReportRootID != "" {
		if err := a.SchedulerService.RegisterJob(driveReportJobName, cfg.Drive.ReportSchedule, a.driveReportJob); err != nil {
			return fmt.Errorf("failed to register drive report job: %w", err)
		}
	}

	if err := a.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	// First poll immediately rather than one interval after startup
	if cfg.Dispatcher.Enabled {
		if err := a.SchedulerService.TriggerJob(pollJobName); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to trigger initial poll")
		}
	}
	return nil
}

func (a *App) pollJob(ctx context.Context) error {
	_, err := a.DispatcherService.Tick(ctx)
	if errors.Is(err, dispatcher.ErrTickInProgress) || errors.Is(err, dispatcher.ErrHalted) {
		a.Logger.Debug().Err(err).Msg("Poll skipped")
		return nil
	}
	return err
}

func (a *App) driveReportJob(ctx context.Context) error {
	cfg := a.Config.Drive
	age := common.ParseDurationOr(cfg.ReportAge, 7*24*time.Hour)
	owner := cfg.WatchedOwner
	if owner == "" {
		owner = a.Config.Automation.AccountEmail
	}

	entries, err := a.DriveWalker.Untransferred(ctx, cfg.ReportRootID, age, owner, time.Now())
	if err != nil {
		return fmt.Errorf("drive report failed: %w", err)
	}

	for _, entry := range entries {
		a.Logger.Info().
			Str("file_id", entry.ID).
			Str("name", entry.Name).
			Strs("owners", entry.OwnerEmails()).
			Str("created", entry.CreatedTime.Format(time.RFC3339)).
			Msg("Untransferred file")
	}
	a.Logger.Info().Int("count", len(entries)).Str("owner", owner).Msg("Drive report complete")
	return nil
}

// Context returns the application context, cancelled on Close
func (a *App) Context() context.Context {
	return a.ctx
}

// Close stops the scheduler within the shutdown grace and releases storage
func (a *App) Close() error {
	if a.SchedulerService != nil {
		grace := common.ParseDurationOr(a.Config.Automation.ShutdownGrace, 30*time.Second)
		if err := a.SchedulerService.Stop(grace); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.cancelCtx != nil {
		a.cancelCtx()
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}
	return nil
}
