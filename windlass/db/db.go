package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			pipeline text not null,
			trigger text not null, -- json
			status text not null,
			error text not null default '',
			created datetime not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated datetime not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished datetime
		);

		create table if not exists stage_results (
			run_id text not null,
			stage text not null,
			status text not null,
			outputs text, -- json
			error text not null default '',

			unique (run_id, stage)
		);

		-- status event for every stage and run transition
		create table if not exists events (
			id integer primary key autoincrement,
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
