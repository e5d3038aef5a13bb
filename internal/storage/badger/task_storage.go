package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/handover/internal/interfaces"
	"github.com/ternarybob/handover/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStorage is the invitation task log
type TaskStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, logger arbor.ILogger) interfaces.TaskStorage {
	return &TaskStorage{
		db:     db,
		logger: logger,
	}
}

func (s *TaskStorage) GetTask(ctx context.Context, messageID string) (*models.InvitationTask, error) {
	var task models.InvitationTask
	if err := s.db.Store().Get(messageID, &task); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("task %s: %w", messageID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

func (s *TaskStorage) SaveTask(ctx context.Context, task *models.InvitationTask) error {
	if task.MessageID == "" {
		return fmt.Errorf("task message ID is required")
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	if err := s.db.Store().Upsert(task.MessageID, task); err != nil {
		return fmt.Errorf("failed to store task: %w", err)
	}
	return nil
}

func (s *TaskStorage) ListTasks(ctx context.Context) ([]*models.InvitationTask, error) {
	var tasks []models.InvitationTask
	if err := s.db.Store().Find(&tasks, badgerhold.Where("MessageID").Ne("").SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return toTaskPointers(tasks), nil
}

func (s *TaskStorage) ListTasksByStatus(ctx context.Context, status models.TaskStatus) ([]*models.InvitationTask, error) {
	var tasks []models.InvitationTask
	if err := s.db.Store().Find(&tasks, badgerhold.Where("Status").Eq(status).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return toTaskPointers(tasks), nil
}

func toTaskPointers(tasks []models.InvitationTask) []*models.InvitationTask {
	result := make([]*models.InvitationTask, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	return result
}
