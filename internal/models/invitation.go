package models

import "time"

// TaskStatus is the lifecycle state of an InvitationTask
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusAccepted   TaskStatus = "accepted"
	TaskStatusFailed     TaskStatus = "failed"
)

// InvitationTask tracks the acceptance of one ownership-transfer invitation.
// There is at most one task per MessageID.
type InvitationTask struct {
	MessageID    string      `json:"message_id"`
	Status       TaskStatus  `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	Sender       string      `json:"sender,omitempty"`
	Subject      string      `json:"subject,omitempty"`
	LastKind     FailureKind `json:"last_kind,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
	MarkedRead   bool        `json:"marked_read"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// IsLive reports whether the task still awaits processing
func (t *InvitationTask) IsLive() bool {
	return t.Status == TaskStatusPending || t.Status == TaskStatusInProgress
}

// IsTerminal reports whether no further automatic processing happens
func (t *InvitationTask) IsTerminal() bool {
	return t.Status == TaskStatusAccepted || t.Status == TaskStatusFailed
}

// MessageRef identifies a message in the mailbox
type MessageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id,omitempty"`
}

// MailboxMessage is the subset of a mail message the dispatcher reads
type MailboxMessage struct {
	ID      string `json:"id"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Unread  bool   `json:"unread"`
}

// MailFilter narrows the unread listing
type MailFilter struct {
	Senders    []string // addresses or "@domain" suffixes
	MaxResults int64
}
