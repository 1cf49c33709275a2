// Package store persists predict-call metrics and operational events to
// a local SQLite database, so a caller can look back at call history
// without running its own observability stack.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS events(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		level TEXT,
		code TEXT,
		msg TEXT,
		meta TEXT
	)`); err != nil {
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS predict_calls(
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts REAL,
		call_id TEXT,
		engine_name TEXT,
		mode TEXT,
		deadline_ms REAL,
		items_requested INTEGER,
		batches_written INTEGER,
		lines_written INTEGER,
		lines_read INTEGER,
		poll_calls INTEGER,
		residual_lines_drained INTEGER,
		format_errors INTEGER,
		elapsed_ms REAL,
		deadline_hit INTEGER,
		error TEXT
	)`); err != nil {
		return nil, err
	}

	return &DB{db}, nil
}

func (db *DB) Event(level, code, msg string, meta map[string]interface{}) {
	m := ""
	if meta != nil {
		b, _ := json.Marshal(meta)
		m = string(b)
	}
	_, _ = db.Exec(`INSERT INTO events(ts,level,code,msg,meta) VALUES(?,?,?,?,?)`,
		float64(time.Now().UnixNano())/1e9, level, code, msg, m)
}

// PredictCallRecord is one row of predict-call history: the counters a
// PredictCall produced, plus enough context to tell calls apart later.
type PredictCallRecord struct {
	CallID          string
	EngineName      string
	Mode            string
	DeadlineMs      float64
	ItemsRequested  int
	BatchesWritten  int64
	LinesWritten    int64
	LinesRead       int64
	PollCalls       int64
	ResidualDrained int64
	FormatErrors    int64
	ElapsedMs       float64
	DeadlineHit     bool
	Error           string
}

func (db *DB) RecordPredictCall(start time.Time, r PredictCallRecord) {
	_, _ = db.Exec(`INSERT INTO predict_calls(
		ts, call_id, engine_name, mode, deadline_ms, items_requested, batches_written,
		lines_written, lines_read, poll_calls, residual_lines_drained, format_errors,
		elapsed_ms, deadline_hit, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		float64(start.UnixNano())/1e9, r.CallID, r.EngineName, r.Mode, r.DeadlineMs, r.ItemsRequested,
		r.BatchesWritten, r.LinesWritten, r.LinesRead, r.PollCalls, r.ResidualDrained, r.FormatErrors,
		r.ElapsedMs, boolToInt(r.DeadlineHit), r.Error)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
