package models

import (
	"time"

	"github.com/google/uuid"

	"windlass.sh/core/pipeline"
)

// RunId identifies one execution of a pipeline.
type RunId string

func NewRunId() RunId {
	return RunId(uuid.NewString())
}

func (r RunId) String() string {
	return string(r)
}

// StatusEvent is the append-only record emitted on every stage
// transition. The event stream and the /events backfill both speak
// this shape.
type StatusEvent struct {
	Run       RunId           `json:"run"`
	Pipeline  string          `json:"pipeline"`
	Stage     string          `json:"stage,omitempty"` // empty for run-level events
	Status    pipeline.Status `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func NewStatusEvent(rid RunId, pipelineName, stage string, status pipeline.Status, stageErr string) StatusEvent {
	return StatusEvent{
		Run:       rid,
		Pipeline:  pipelineName,
		Stage:     stage,
		Status:    status,
		Error:     stageErr,
		CreatedAt: time.Now().Format(time.RFC3339),
	}
}

// LogLine is one entry of a run's JSON log file.
type LogLine struct {
	Stage  string `json:"stage"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
}
