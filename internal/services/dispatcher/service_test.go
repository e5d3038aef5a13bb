package dispatcher

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/models"
	"github.com/ternarybob/handover/internal/services/diagnostics"
)

const watched = "drive-shares-dm-noreply@google.com"

type fakeMessage struct {
	from    string
	subject string
	unread  bool
}

type fakeMailbox struct {
	mu          sync.Mutex
	order       []string
	messages    map[string]*fakeMessage
	markErrs    int // MarkRead fails this many times
	markCalls   int
	listErr     error
	headerCalls int
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{messages: make(map[string]*fakeMessage)}
}

func (m *fakeMailbox) add(id, from, subject string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, id)
	m.messages[id] = &fakeMessage{from: from, subject: subject, unread: true}
}

func (m *fakeMailbox) unread(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages[id].unread
}

func (m *fakeMailbox) setUnread(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[id].unread = true
}

// ListUnread ignores the sender filter so the header check is exercised
func (m *fakeMailbox) ListUnread(ctx context.Context, filter models.MailFilter) ([]models.MessageRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var refs []models.MessageRef
	for _, id := range m.order {
		if m.messages[id].unread {
			refs = append(refs, models.MessageRef{ID: id})
		}
	}
	return refs, nil
}

func (m *fakeMailbox) GetHeaders(ctx context.Context, id string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headerCalls++
	msg, ok := m.messages[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return map[string]string{"From": msg.from, "Subject": msg.subject}, nil
}

func (m *fakeMailbox) MarkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markCalls++
	if m.markErrs > 0 {
		m.markErrs--
		return models.NewTaskError(models.KindUpstreamAPI, "mark read", nil)
	}
	m.messages[id].unread = false
	return nil
}

type fakeCredentials struct {
	mu         sync.Mutex
	err        error
	imports    int
	importedAt time.Time
	saves      int
	savedAt    time.Time
}

func (c *fakeCredentials) EnsureValid(ctx context.Context) (*models.CredentialRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return &models.CredentialRecord{AccessToken: "token"}, nil
}

func (c *fakeCredentials) ImportVersion(ctx context.Context) (int, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imports, c.importedAt, nil
}

// tokenRefresh is a routine access token refresh: the record is saved
// again but nothing is imported
func (c *fakeCredentials) tokenRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.saves++
	c.savedAt = time.Now().Add(time.Second)
}

// reimport is an operator storing new credentials
func (c *fakeCredentials) reimport() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = nil
	c.saves++
	c.imports++
	c.importedAt = time.Now().Add(time.Second)
	c.savedAt = c.importedAt
}

type memoryTasks struct {
	mu    sync.Mutex
	tasks map[string]models.InvitationTask

	failAccepted int // saves of accepted tasks fail this many times
	saveCalls    map[models.TaskStatus]int
}

func newMemoryTasks() *memoryTasks {
	return &memoryTasks{tasks: make(map[string]models.InvitationTask)}
}

func (m *memoryTasks) GetTask(ctx context.Context, messageID string) (*models.InvitationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[messageID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &task, nil
}

func (m *memoryTasks) SaveTask(ctx context.Context, task *models.InvitationTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveCalls == nil {
		m.saveCalls = make(map[models.TaskStatus]int)
	}
	m.saveCalls[task.Status]++
	if task.Status == models.TaskStatusAccepted && m.failAccepted > 0 {
		m.failAccepted--
		return errors.New("disk full")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = time.Now()
	m.tasks[task.MessageID] = *task
	return nil
}

func (m *memoryTasks) ListTasks(ctx context.Context) ([]*models.InvitationTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.InvitationTask
	for _, task := range m.tasks {
		t := task
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out, nil
}

func (m *memoryTasks) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.InvitationTask, error) {
	all, _ := m.ListTasks(ctx)
	var out []*models.InvitationTask
	for _, task := range all {
		if task.Status == status {
			out = append(out, task)
		}
	}
	return out, nil
}

func (m *memoryTasks) get(t *testing.T, id string) models.InvitationTask {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	require.True(t, ok, "task %s missing", id)
	return task
}

type memoryReports struct {
	mu      sync.Mutex
	reports []*models.ErrorReport
}

func (m *memoryReports) SaveReport(ctx context.Context, report *models.ErrorReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

func (m *memoryReports) GetReport(ctx context.Context, id string) (*models.ErrorReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.reports {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryReports) ListReports(ctx context.Context, limit int) ([]*models.ErrorReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.ErrorReport(nil), m.reports...), nil
}

// fakeRunner returns scripted outcomes, repeating the last one
type fakeRunner struct {
	mu       sync.Mutex
	outcomes []models.Outcome
	calls    []string
	flows    []string
	active   atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	block    chan struct{}
}

func (r *fakeRunner) Run(ctx context.Context, flow models.AutomationFlow, vars map[string]string) models.Outcome {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return models.Outcome{Status: models.StateFailed, Kind: models.KindNavigationTimeout, Reason: ctx.Err().Error()}
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, vars["message_id"])
	r.flows = append(r.flows, flow.Name)
	if len(r.outcomes) == 0 {
		return completed()
	}
	out := r.outcomes[0]
	if len(r.outcomes) > 1 {
		r.outcomes = r.outcomes[1:]
	}
	return out
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func completed() models.Outcome {
	return models.Outcome{Status: models.StateCompleted, StepIndex: 5}
}

func failed(kind models.FailureKind) models.Outcome {
	return models.Outcome{
		Status:    models.StateFailed,
		Kind:      kind,
		Reason:    string(kind) + " on accept",
		StepIndex: 5,
		StepName:  "accept",
		PageURL:   "https://mail.google.com/mail/u/0/",
		PageHTML:  "<html><head><title>Gmail</title></head><body><button>Respond</button></body></html>",
	}
}

type harness struct {
	mailbox     *fakeMailbox
	credentials *fakeCredentials
	tasks       *memoryTasks
	reports     *memoryReports
	runner      *fakeRunner
	service     *Service
}

func newHarness(t *testing.T, config Config, outcomes ...models.Outcome) *harness {
	t.Helper()
	logger := arbor.NewLogger()

	h := &harness{
		mailbox:     newFakeMailbox(),
		credentials: &fakeCredentials{imports: 1, importedAt: time.Now().Add(-time.Hour)},
		tasks:       newMemoryTasks(),
		reports:     &memoryReports{},
		runner:      &fakeRunner{outcomes: outcomes},
	}
	if len(config.SenderMatch) == 0 {
		config.SenderMatch = []string{watched}
	}
	if config.AttemptCap == 0 {
		config.AttemptCap = 3
	}
	h.service = NewService(config, h.mailbox, h.credentials, h.tasks, h.reports, h.runner,
		models.AutomationFlow{Name: "accept"}, diagnostics.NewService(0, logger), logger)
	return h
}

func TestTick_ThreeMessagesOneWatched(t *testing.T) {
	h := newHarness(t, Config{}, failed(models.KindElementNotFound), completed())
	h.mailbox.add("m1", "newsletter@example.com", "Weekly digest")
	h.mailbox.add("m2", `"Alice (via Google Drive)" <`+watched+`>`, "Ownership transfer")
	h.mailbox.add("m3", "bob@example.com", "Lunch")

	result, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Listed)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Processed)

	tasks, _ := h.tasks.ListTasks(context.Background())
	require.Len(t, tasks, 1)
	task := h.tasks.get(t, "m2")
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.AttemptCount)
	assert.Equal(t, models.KindElementNotFound, task.LastKind)
	assert.True(t, h.mailbox.unread("m2"), "failed run must leave the message unread")
	assert.Empty(t, h.reports.reports)

	result, err = h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.Accepted)

	task = h.tasks.get(t, "m2")
	assert.Equal(t, models.TaskStatusAccepted, task.Status)
	assert.True(t, task.MarkedRead)
	assert.NotNil(t, task.CompletedAt)
	assert.False(t, h.mailbox.unread("m2"))
	assert.Equal(t, []string{"m2", "m2"}, h.runner.calls)
}

func TestTick_AcceptedMessageSeenUnreadOnlyRetriesMarkRead(t *testing.T) {
	h := newHarness(t, Config{}, completed())
	h.mailbox.add("m1", watched, "Ownership transfer")
	h.mailbox.markErrs = 1

	_, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	task := h.tasks.get(t, "m1")
	assert.Equal(t, models.TaskStatusAccepted, task.Status)
	assert.False(t, task.MarkedRead)
	assert.True(t, h.mailbox.unread("m1"))

	result, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.MarkedRead)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 1, h.runner.callCount(), "automation must run at most once per message")
	assert.True(t, h.tasks.get(t, "m1").MarkedRead)

	// An upstream race re-surfaces the message as unread
	h.mailbox.setUnread("m1")
	_, err = h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.runner.callCount())
	assert.False(t, h.mailbox.unread("m1"))
}

func TestTick_AttemptCapFailsTaskAndWritesReport(t *testing.T) {
	h := newHarness(t, Config{AttemptCap: 3}, failed(models.KindElementNotFound))
	h.mailbox.add("m1", watched, "Ownership transfer")

	for i := 0; i < 3; i++ {
		_, err := h.service.Tick(context.Background())
		require.NoError(t, err)
	}

	task := h.tasks.get(t, "m1")
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, 3, task.AttemptCount)
	assert.True(t, h.mailbox.unread("m1"), "failed tasks are never marked read")

	require.Len(t, h.reports.reports, 1)
	report := h.reports.reports[0]
	assert.Equal(t, "m1", report.MessageID)
	assert.Equal(t, models.KindElementNotFound, report.Kind)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, "accept", report.StepName)
	assert.Equal(t, "Gmail", report.PageTitle)
	assert.Contains(t, report.VisibleActions, "Respond")

	// Terminal: no further runs
	result, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 3, h.runner.callCount())
}

func TestTick_AuthFailureHaltsUntilCredentialsImported(t *testing.T) {
	h := newHarness(t, Config{}, failed(models.KindAuth), completed())
	h.mailbox.add("m1", watched, "Ownership transfer")

	_, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, h.service.Halted())

	task := h.tasks.get(t, "m1")
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 0, task.AttemptCount)
	assert.Equal(t, models.KindAuth, task.LastKind)

	_, err = h.service.Tick(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 1, h.runner.callCount())

	h.credentials.reimport()
	_, err = h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, h.service.Halted())
	assert.Equal(t, models.TaskStatusAccepted, h.tasks.get(t, "m1").Status)
}

func TestTick_TokenRefreshDoesNotLiftHalt(t *testing.T) {
	h := newHarness(t, Config{}, failed(models.KindAuth), completed())
	h.mailbox.add("m1", watched, "Ownership transfer")

	_, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, h.service.Halted())

	// A routine refresh rewrites the stored record after the halt
	h.credentials.tokenRefresh()
	_, err = h.service.Tick(context.Background())
	assert.ErrorIs(t, err, ErrHalted)
	assert.True(t, h.service.Halted())
	assert.Equal(t, 1, h.runner.callCount())

	h.credentials.reimport()
	_, err = h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, h.service.Halted())
	assert.Equal(t, 2, h.runner.callCount())
}

func fastAcceptedSaves(t *testing.T) {
	t.Helper()
	backoff := AcceptedSaveBackoff
	AcceptedSaveBackoff = time.Millisecond
	t.Cleanup(func() { AcceptedSaveBackoff = backoff })
}

func TestTick_AcceptedSaveRetried(t *testing.T) {
	fastAcceptedSaves(t)
	h := newHarness(t, Config{}, completed())
	h.mailbox.add("m1", watched, "Ownership transfer")
	h.tasks.failAccepted = AcceptedSaveAttempts - 1

	result, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	task := h.tasks.get(t, "m1")
	assert.Equal(t, models.TaskStatusAccepted, task.Status)
	assert.True(t, task.MarkedRead)
	assert.False(t, h.mailbox.unread("m1"))
}

func TestTick_AcceptedSaveExhaustedNeverReruns(t *testing.T) {
	fastAcceptedSaves(t)
	h := newHarness(t, Config{}, completed(), completed())
	h.mailbox.add("m1", watched, "Ownership transfer")
	h.tasks.failAccepted = AcceptedSaveAttempts

	_, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, h.tasks.get(t, "m1").Status)
	assert.True(t, h.mailbox.unread("m1"), "left unread until the acceptance is stored")

	_, err = h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.runner.callCount(), "the invitation is not accepted twice")

	task := h.tasks.get(t, "m1")
	assert.Equal(t, models.TaskStatusAccepted, task.Status)
	assert.True(t, task.MarkedRead)
	assert.False(t, h.mailbox.unread("m1"))
}

func TestTick_CredentialAuthErrorHalts(t *testing.T) {
	h := newHarness(t, Config{})
	h.mailbox.add("m1", watched, "Ownership transfer")
	h.credentials.err = models.NewTaskError(models.KindAuth, "refresh", nil)

	_, err := h.service.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, h.service.Halted())
	assert.Equal(t, 0, h.mailbox.headerCalls)

	h.service.Resume()
	h.credentials.mu.Lock()
	h.credentials.err = nil
	h.credentials.mu.Unlock()

	_, err = h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, h.runner.callCount())
}

func TestTick_UpstreamListErrorDoesNotHalt(t *testing.T) {
	h := newHarness(t, Config{})
	h.mailbox.listErr = models.NewTaskError(models.KindUpstreamAPI, "list", errors.New("503"))

	_, err := h.service.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.KindUpstreamAPI, models.KindOf(err))
	assert.False(t, h.service.Halted())
}

func TestRecover_ResetsInProgressTasks(t *testing.T) {
	h := newHarness(t, Config{})
	h.mailbox.add("m1", watched, "Ownership transfer")
	require.NoError(t, h.tasks.SaveTask(context.Background(), &models.InvitationTask{
		MessageID: "m1",
		Status:    models.TaskStatusInProgress,
	}))

	n, err := h.service.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.TaskStatusPending, h.tasks.get(t, "m1").Status)

	result, err := h.service.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Created)
	assert.Equal(t, 1, result.Accepted)
}

func TestTick_SingleFlightSessions(t *testing.T) {
	h := newHarness(t, Config{Workers: 3})
	h.runner.delay = 20 * time.Millisecond
	for _, id := range []string{"m1", "m2", "m3"} {
		h.mailbox.add(id, watched, "Ownership transfer")
	}

	result, err := h.service.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Accepted)
	assert.Equal(t, int32(1), h.runner.maxSeen.Load(), "at most one automation session at a time")
	assert.Equal(t, int64(3), h.service.Runs())
}

func TestTick_ConcurrentTickRejected(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.block = make(chan struct{})
	h.mailbox.add("m1", watched, "Ownership transfer")

	done := make(chan error, 1)
	go func() {
		_, err := h.service.Tick(context.Background())
		done <- err
	}()

	require.Eventually(t, func() bool { return h.runner.active.Load() == 1 }, time.Second, time.Millisecond)

	_, err := h.service.Tick(context.Background())
	assert.ErrorIs(t, err, ErrTickInProgress)

	close(h.runner.block)
	require.NoError(t, <-done)
}

func TestTick_ShutdownLeavesTaskInProgress(t *testing.T) {
	h := newHarness(t, Config{})
	h.runner.block = make(chan struct{})
	h.mailbox.add("m1", watched, "Ownership transfer")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.service.Tick(ctx)
	}()

	require.Eventually(t, func() bool { return h.runner.active.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	task := h.tasks.get(t, "m1")
	assert.Equal(t, models.TaskStatusInProgress, task.Status)
	assert.Equal(t, 0, task.AttemptCount)
	assert.True(t, h.mailbox.unread("m1"))
}

func TestSetFlow_AppliesToNextRun(t *testing.T) {
	h := newHarness(t, Config{}, failed(models.KindElementNotFound), completed())
	h.mailbox.add("m1", watched, "Ownership transfer")

	_, err := h.service.Tick(context.Background())
	require.NoError(t, err)

	h.service.SetFlow(models.AutomationFlow{Name: "accept-v2"})
	_, err = h.service.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"accept", "accept-v2"}, h.runner.flows)
}
