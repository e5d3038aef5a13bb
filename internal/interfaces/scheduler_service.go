package interfaces

import (
	"context"
	"time"
)

// JobStatus represents the current status of a scheduled job
type JobStatus struct {
	Name      string
	Schedule  string
	Enabled   bool
	IsRunning bool
	LastRun   *time.Time
	NextRun   *time.Time
	LastError string
}

// SchedulerService runs registered jobs on cron schedules
type SchedulerService interface {
	// RegisterJob registers a job; schedule is a cron expression or @every descriptor
	RegisterJob(name string, schedule string, handler func(ctx context.Context) error) error

	Start() error

	// Stop stops scheduling and waits up to grace for running jobs to finish
	Stop(grace time.Duration) error

	IsRunning() bool

	GetJobStatus(name string) (*JobStatus, error)
	GetAllJobStatuses() map[string]*JobStatus
}
