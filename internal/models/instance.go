package models

import (
	"encoding/json"
	"time"
)

type InstanceStatus string

const (
	InstanceStatusPending  InstanceStatus = "pending"
	InstanceStatusRunning  InstanceStatus = "running"
	InstanceStatusComplete InstanceStatus = "complete"
	InstanceStatusFailed   InstanceStatus = "failed"
)

type InstanceKind string

const (
	KindAgent         InstanceKind = "agent"
	KindOrchestration InstanceKind = "orchestration"
)

// Instance is one durable workflow run.
type Instance struct {
	ID          string
	Kind        InstanceKind
	Task        string
	Team        string
	Status      InstanceStatus
	Turn        int
	Result      json.RawMessage
	Error       string
	TraceID     string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (i *Instance) Terminal() bool {
	return i.Status == InstanceStatusComplete || i.Status == InstanceStatusFailed
}
