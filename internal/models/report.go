package models

import "time"

// ErrorReport is persisted when a task fails permanently
type ErrorReport struct {
	ID             string      `json:"id"`
	MessageID      string      `json:"message_id"`
	Kind           FailureKind `json:"kind"`
	Reason         string      `json:"reason"`
	StepIndex      int         `json:"step_index"`
	StepName       string      `json:"step_name,omitempty"`
	Attempts       int         `json:"attempts"`
	PageURL        string      `json:"page_url,omitempty"`
	PageTitle      string      `json:"page_title,omitempty"`
	Snapshot       string      `json:"snapshot,omitempty"`        // markdown rendering of the page
	VisibleActions []string    `json:"visible_actions,omitempty"` // button and link labels on the page
	CreatedAt      time.Time   `json:"created_at"`
}
