package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"windlass.sh/core/notifier"
	"windlass.sh/core/pipeline"
	"windlass.sh/core/windlass/models"
)

type Run struct {
	ID       models.RunId     `json:"id"`
	Pipeline string           `json:"pipeline"`
	Trigger  pipeline.Trigger `json:"trigger"`
	Status   pipeline.Status  `json:"status"`

	// only if failed
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Stages map[string]pipeline.StageResult `json:"stages,omitempty"`
}

func (db *DB) CreateRun(rid models.RunId, pipelineName string, trigger pipeline.Trigger, n *notifier.Notifier) error {
	triggerJson, err := json.Marshal(trigger)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		insert into runs (id, pipeline, trigger, status)
		values (?, ?, ?, ?)
	`, rid, pipelineName, string(triggerJson), pipeline.StatusPending)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRunRunning(rid models.RunId, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update runs
		set status = ?, updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, pipeline.StatusRunning, rid)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRunFailed(rid models.RunId, errMsg string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update runs
		set status = ?,
		    error = ?,
		    updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, pipeline.StatusFailed, errMsg, rid)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRunSuccess(rid models.RunId, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update runs
		set status = ?,
		    updated = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, pipeline.StatusSucceeded, rid)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetRun(rid models.RunId) (Run, error) {
	var r Run
	var triggerJson string
	var finished sql.NullTime

	err := db.QueryRow(`
		select id, pipeline, trigger, status, error, created, updated, finished
		from runs
		where id = ?
	`, rid).Scan(&r.ID, &r.Pipeline, &triggerJson, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt, &finished)
	if err != nil {
		return r, err
	}

	if err := json.Unmarshal([]byte(triggerJson), &r.Trigger); err != nil {
		return r, fmt.Errorf("decoding trigger: %w", err)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}

	r.Stages, err = db.GetStageResults(rid)
	return r, err
}

func (db *DB) GetRuns(cursor string) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, pipeline, trigger, status, error, created, updated, finished
		from runs
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var triggerJson string
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.Pipeline, &triggerJson, &r.Status, &r.Error, &r.CreatedAt, &r.UpdatedAt, &finished); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(triggerJson), &r.Trigger); err != nil {
			return nil, fmt.Errorf("decoding trigger: %w", err)
		}
		if finished.Valid {
			r.FinishedAt = &finished.Time
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

func (db *DB) SaveStageResult(rid models.RunId, stage string, res pipeline.StageResult) error {
	var outputsJson *string
	if len(res.Outputs) > 0 {
		raw, err := json.Marshal(res.Outputs)
		if err != nil {
			return err
		}
		s := string(raw)
		outputsJson = &s
	}

	_, err := db.Exec(`
		insert into stage_results (run_id, stage, status, outputs, error)
		values (?, ?, ?, ?, ?)
		on conflict (run_id, stage) do update set
			status = excluded.status,
			outputs = excluded.outputs,
			error = excluded.error
	`, rid, stage, res.Status, outputsJson, res.Error)
	return err
}

func (db *DB) GetStageResults(rid models.RunId) (map[string]pipeline.StageResult, error) {
	rows, err := db.Query(`
		select stage, status, outputs, error
		from stage_results
		where run_id = ?
	`, rid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make(map[string]pipeline.StageResult)
	for rows.Next() {
		var stage string
		var res pipeline.StageResult
		var outputsJson sql.NullString
		if err := rows.Scan(&stage, &res.Status, &outputsJson, &res.Error); err != nil {
			return nil, err
		}
		if outputsJson.Valid {
			if err := json.Unmarshal([]byte(outputsJson.String), &res.Outputs); err != nil {
				return nil, fmt.Errorf("decoding outputs: %w", err)
			}
		}
		results[stage] = res
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return results, nil
}
