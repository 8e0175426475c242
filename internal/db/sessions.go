package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/trn.replay/internal/replay"
	"github.com/banshee-data/trn.replay/internal/trn"
)

// SessionRecord is one row of replay_sessions.
type SessionRecord struct {
	ID         string    `json:"session_id"`
	LogDir     string    `json:"log_dir"`
	ConfigFile string    `json:"config_file"`
	MapFile    string    `json:"map_file"`
	Target     string    `json:"target"`
	Primary    string    `json:"primary_source"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished,omitempty"`
	Pairs      int64     `json:"pairs"`
	Updates    int64     `json:"updates"`
	Reinits    int64     `json:"reinits"`
	Failures   int64     `json:"failures"`
	LastTime   float64   `json:"last_time"`
	Cancelled  bool      `json:"cancelled"`
}

// BeginSession records the start of a replay. Counters are filled in by
// FinishSession.
func (db *DB) BeginSession(rec SessionRecord) error {
	if rec.ID == "" || rec.LogDir == "" {
		return fmt.Errorf("session id and log dir are required")
	}
	if rec.Started.IsZero() {
		rec.Started = time.Now()
	}
	_, err := db.Exec(`INSERT INTO replay_sessions (
			session_id, log_dir, config_file, map_file, target, primary_source, started_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LogDir, rec.ConfigFile, rec.MapFile, rec.Target, rec.Primary, rec.Started.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", rec.ID, err)
	}
	return nil
}

// FinishSession stores the final counters and the JSON summary of a replay.
func (db *DB) FinishSession(sum replay.Summary) error {
	blob, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	finished := sum.Finished
	if finished.IsZero() {
		finished = time.Now()
	}
	res, err := db.Exec(`UPDATE replay_sessions SET
			target = ?, primary_source = ?, finished_unix_nanos = ?,
			pairs = ?, updates = ?, reinits = ?, failures = ?, last_time = ?,
			cancelled = ?, summary_json = ?
		WHERE session_id = ?`,
		sum.Target, string(sum.Primary), finished.UnixNano(),
		sum.Pairs, sum.Counters.Updates, sum.Counters.Reinits, sum.Counters.Failures, sum.Counters.LastTime,
		sum.Cancelled, string(blob),
		sum.SessionID,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", sum.SessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s not found", sum.SessionID)
	}
	return nil
}

// LastTimestamp returns the latest anchor time dispatched for logDir across
// all recorded sessions, or 0 when there is none.
func (db *DB) LastTimestamp(logDir string) (float64, error) {
	var last sql.NullFloat64
	err := db.QueryRow(`SELECT MAX(t) FROM (
			SELECT last_time AS t FROM replay_sessions WHERE log_dir = ?
			UNION ALL
			SELECT s.anchor_time AS t FROM replay_steps s
				JOIN replay_sessions r ON r.session_id = s.session_id
				WHERE r.log_dir = ? AND s.skipped = 0 AND s.error IS NULL
		)`, logDir, logDir).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("query last timestamp: %w", err)
	}
	if !last.Valid {
		return 0, nil
	}
	return last.Float64, nil
}

// Sessions returns the most recent sessions, newest first.
func (db *DB) Sessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT session_id, log_dir, config_file, map_file, target, primary_source,
			started_unix_nanos, finished_unix_nanos, pairs, updates, reinits, failures, last_time, cancelled
		FROM replay_sessions ORDER BY started_unix_nanos DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec      SessionRecord
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.LogDir, &rec.ConfigFile, &rec.MapFile, &rec.Target, &rec.Primary,
			&started, &finished, &rec.Pairs, &rec.Updates, &rec.Reinits, &rec.Failures, &rec.LastTime, &rec.Cancelled); err != nil {
			return nil, err
		}
		rec.Started = time.Unix(0, started)
		if finished.Valid {
			rec.Finished = time.Unix(0, finished.Int64)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StepRow is one row of replay_steps.
type StepRow struct {
	Seq           int64
	AnchorTime    float64
	Anchor        trn.SourceKind
	NavMatched    bool
	DVLMatched    bool
	ValidBeams    int
	Accepted      bool
	Reinitialized bool
	Skipped       bool
	Err           string
}

// Steps returns the recorded steps of a session in sequence order.
func (db *DB) Steps(sessionID string) ([]StepRow, error) {
	rows, err := db.Query(`SELECT seq, anchor_time, anchor, nav_matched, dvl_matched, valid_beams,
			accepted, reinitialized, skipped, error
		FROM replay_steps WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepRow
	for rows.Next() {
		var (
			s      StepRow
			anchor string
			msg    sql.NullString
		)
		if err := rows.Scan(&s.Seq, &s.AnchorTime, &anchor, &s.NavMatched, &s.DVLMatched, &s.ValidBeams,
			&s.Accepted, &s.Reinitialized, &s.Skipped, &msg); err != nil {
			return nil, err
		}
		s.Anchor = trn.SourceKind(anchor)
		s.Err = msg.String
		out = append(out, s)
	}
	return out, rows.Err()
}

// StepRecorder buffers step results and writes them to replay_steps in
// batched transactions. It implements replay.StepSink.
type StepRecorder struct {
	db      *DB
	batch   int
	pending []replay.StepResult
	written int64
}

const defaultStepBatch = 256

// NewStepRecorder returns a recorder that flushes every batch steps. A
// batch of 0 uses the default.
func (db *DB) NewStepRecorder(batch int) *StepRecorder {
	if batch <= 0 {
		batch = defaultStepBatch
	}
	return &StepRecorder{db: db, batch: batch}
}

func (r *StepRecorder) ObserveStep(res replay.StepResult) error {
	r.pending = append(r.pending, res)
	if len(r.pending) >= r.batch {
		return r.Flush()
	}
	return nil
}

// Written returns the number of steps committed so far.
func (r *StepRecorder) Written() int64 { return r.written }

// Flush writes all buffered steps in one transaction.
func (r *StepRecorder) Flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO replay_steps (
			session_id, seq, anchor_time, anchor, nav_matched, nav_dt, dvl_matched, dvl_dt,
			north, east, depth, valid_beams, accepted, reinitialized, skipped, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, res := range r.pending {
		p := res.Pair
		var north, east, depth sql.NullFloat64
		if p.Pose.Time != trn.NoTime {
			north = sql.NullFloat64{Float64: p.Pose.North, Valid: true}
			east = sql.NullFloat64{Float64: p.Pose.East, Valid: true}
			depth = sql.NullFloat64{Float64: p.Pose.Depth, Valid: true}
		}
		var msg sql.NullString
		if res.Err != nil {
			msg = sql.NullString{String: res.Err.Error(), Valid: true}
		}
		if _, err := stmt.Exec(
			res.SessionID, p.Seq, p.Time, string(p.Anchor),
			p.NavMatched, p.NavDt, p.DVLMatched, p.DVLDt,
			north, east, depth, p.Meas.ValidBeams(),
			res.Outcome.Accepted, res.Outcome.Reinitialized, res.Skipped, msg,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert step %s/%d: %w", res.SessionID, p.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.written += int64(len(r.pending))
	r.pending = r.pending[:0]
	return nil
}

// Close flushes any buffered steps.
func (r *StepRecorder) Close() error {
	return r.Flush()
}
