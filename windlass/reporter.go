package windlass

import (
	"windlass.sh/core/notifier"
	"windlass.sh/core/pipeline"
	"windlass.sh/core/windlass/db"
	"windlass.sh/core/windlass/models"
)

// statusReporter persists engine transitions: run rows and stage
// results into sqlite, plus an append-only status event per
// transition for /events consumers.
type statusReporter struct {
	db *db.DB
	n  *notifier.Notifier
}

func (r *statusReporter) RunStatus(rid models.RunId, pipelineName string, status pipeline.Status, errMsg string) error {
	var err error
	switch status {
	case pipeline.StatusRunning:
		err = r.db.MarkRunRunning(rid, r.n)
	case pipeline.StatusFailed:
		err = r.db.MarkRunFailed(rid, errMsg, r.n)
	case pipeline.StatusSucceeded:
		err = r.db.MarkRunSuccess(rid, r.n)
	}
	if err != nil {
		return err
	}

	return r.db.CreateStatusEvent(models.NewStatusEvent(rid, pipelineName, "", status, errMsg), r.n)
}

func (r *statusReporter) StageStatus(rid models.RunId, pipelineName, stage string, status pipeline.Status, errMsg string) error {
	return r.db.CreateStatusEvent(models.NewStatusEvent(rid, pipelineName, stage, status, errMsg), r.n)
}

func (r *statusReporter) StageResult(rid models.RunId, pipelineName, stage string, res pipeline.StageResult) error {
	return r.db.SaveStageResult(rid, stage, res)
}
