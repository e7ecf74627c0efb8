package db

import (
	"encoding/json"
	"fmt"
	"time"

	"windlass.sh/core/notifier"
	"windlass.sh/core/windlass/models"
)

type Event struct {
	ID        int64  `json:"id"`
	Run       string `json:"run"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

func (d *DB) InsertEvent(event Event, n *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (run_id, event, created) values (?, ?, ?)`,
		event.Run,
		event.EventJson,
		time.Now().UnixNano(),
	)

	n.NotifyAll()

	return err
}

func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, run_id, event, created
		from events
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Run, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) CreateStatusEvent(ev models.StatusEvent, n *notifier.Notifier) error {
	eventJson, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	event := Event{
		Run:       string(ev.Run),
		Created:   time.Now().UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}

// GetStatus returns the latest status event recorded for a stage of a
// run, or for the run itself when stage is empty.
func (d *DB) GetStatus(rid models.RunId, stage string) (*models.StatusEvent, error) {
	var eventJson string
	err := d.QueryRow(
		`
		select
			event from events
		where
			run_id = ?
			and json_extract(event, '$.stage') is ?
		order by
			id desc
		limit
			1
		`,
		rid,
		nullable(stage),
	).Scan(&eventJson)

	if err != nil {
		return nil, err
	}

	var ev models.StatusEvent
	if err := json.Unmarshal([]byte(eventJson), &ev); err != nil {
		return nil, err
	}

	return &ev, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
