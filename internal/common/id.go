package common

import (
	"github.com/google/uuid"
)

// NewReportID generates a unique error report ID with the "rpt_" prefix
func NewReportID() string {
	return "rpt_" + uuid.New().String()
}

// NewRunID generates a unique automation run ID with the "run_" prefix
func NewRunID() string {
	return "run_" + uuid.New().String()
}
