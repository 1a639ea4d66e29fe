package models

import (
	"encoding/json"
	"time"
)

type StepStatus string

const (
	StepStatusRunning  StepStatus = "running"
	StepStatusComplete StepStatus = "complete"
	StepStatusFailed   StepStatus = "failed"
)

// Step is one recorded activity call: (instance, index, kind, input hash)
// mapped to its output.
type Step struct {
	InstanceID  string
	Index       int
	Kind        string
	InputHash   string
	Input       json.RawMessage
	Output      json.RawMessage
	Status      StepStatus
	Error       string
	Attempts    int
	StartedAt   *time.Time
	CompletedAt *time.Time
}
