// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"dome/pkg/errors"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
  job_id       TEXT PRIMARY KEY,
  run_id       TEXT NOT NULL,
  tool_id      TEXT NOT NULL,
  profile      TEXT NOT NULL,
  state        INTEGER NOT NULL,
  request_hash TEXT NOT NULL,
  exit_code    INTEGER,
  created_ts   TEXT NOT NULL,
  updated_ts   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_state_updated ON jobs(state, updated_ts);

CREATE TABLE IF NOT EXISTS idempotency (
  client_id       TEXT NOT NULL,
  idempotency_key TEXT NOT NULL,
  request_hash    TEXT NOT NULL,
  job_id          TEXT NOT NULL,
  PRIMARY KEY (client_id, idempotency_key)
);

CREATE TABLE IF NOT EXISTS events (
  job_id  TEXT NOT NULL,
  seq     INTEGER NOT NULL,
  type    INTEGER NOT NULL,
  ts      TEXT NOT NULL,
  payload TEXT NOT NULL,
  PRIMARY KEY (job_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_job_seq ON events(job_id, seq);
`

// sqliteStore 基于 sqlite 的持久化存储
type sqliteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore 打开（必要时创建）sqlite 状态文件并建表。
// 开启 WAL，守护进程重启后 job 与事件可恢复。
func NewSQLiteStore(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create state dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite state")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "apply pragma")
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if job.CreatedTS.IsZero() {
		job.CreatedTS = now
	}
	job.UpdatedTS = job.CreatedTS
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, run_id, tool_id, profile, state, request_hash, exit_code, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.RunID, job.ToolID, job.Profile, int32(job.State), job.RequestHash,
		nullableInt(job.ExitCode), formatTS(job.CreatedTS), formatTS(job.UpdatedTS))
	return errors.Wrapf(err, "insert job %s", job.JobID)
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getJobLocked(ctx, jobID)
}

func (s *sqliteStore) getJobLocked(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, run_id, tool_id, profile, state, request_hash, exit_code, created_ts, updated_ts
		FROM jobs WHERE job_id = ?`, jobID)
	var job Job
	var stateVal int32
	var exitCode sql.NullInt64
	var createdTS, updatedTS string
	err := row.Scan(&job.JobID, &job.RunID, &job.ToolID, &job.Profile, &stateVal,
		&job.RequestHash, &exitCode, &createdTS, &updatedTS)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "scan job %s", jobID)
	}
	job.State = JobState(stateVal)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		job.ExitCode = &code
	}
	job.CreatedTS = parseTS(createdTS)
	job.UpdatedTS = parseTS(updatedTS)
	return &job, nil
}

func (s *sqliteStore) UpdateJobState(ctx context.Context, jobID string, to JobState, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var current int32
	err = tx.QueryRowContext(ctx, `SELECT state FROM jobs WHERE job_id = ?`, jobID).Scan(&current)
	if err == sql.ErrNoRows {
		return errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return errors.Wrapf(err, "read job %s state", jobID)
	}
	if JobState(current).Terminal() {
		return errors.Wrapf(errors.ErrTerminalState, "job %s is %s", jobID, JobState(current))
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = ?, exit_code = COALESCE(?, exit_code), updated_ts = ? WHERE job_id = ?`,
		int32(to), nullableInt(exitCode), formatTS(time.Now().UTC()), jobID); err != nil {
		return errors.Wrapf(err, "update job %s", jobID)
	}
	return errors.Wrap(tx.Commit(), "commit state update")
}

func (s *sqliteStore) AppendEvent(ctx context.Context, jobID string, typ EventType, payload map[string]any) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encode event payload")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs WHERE job_id = ?`, jobID).Scan(&exists); err != nil {
		return nil, errors.Wrapf(err, "check job %s", jobID)
	}
	if exists == 0 {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE job_id = ?`, jobID).Scan(&seq); err != nil {
		return nil, errors.Wrapf(err, "next seq for job %s", jobID)
	}
	ts := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `INSERT INTO events (job_id, seq, type, ts, payload) VALUES (?, ?, ?, ?, ?)`,
		jobID, seq, int32(typ), formatTS(ts), string(raw)); err != nil {
		return nil, errors.Wrapf(err, "insert event for job %s", jobID)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit event")
	}
	return &Event{JobID: jobID, Seq: seq, Type: typ, TS: ts, Payload: payload}, nil
}

func (s *sqliteStore) EventsSince(ctx context.Context, jobID string, sinceSeq int64, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.getJobLocked(ctx, jobID); err != nil {
		return nil, err
	}
	query := `SELECT seq, type, ts, payload FROM events WHERE job_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{jobID, sinceSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query events for job %s", jobID)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var typ int32
		var ts, payloadRaw string
		event := &Event{JobID: jobID}
		if err := rows.Scan(&event.Seq, &typ, &ts, &payloadRaw); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		event.Type = EventType(typ)
		event.TS = parseTS(ts)
		if err := json.Unmarshal([]byte(payloadRaw), &event.Payload); err != nil {
			return nil, errors.Wrap(err, "decode event payload")
		}
		out = append(out, event)
	}
	return out, errors.Wrap(rows.Err(), "iterate events")
}

func (s *sqliteStore) LookupIdempotency(ctx context.Context, clientID, key string) (string, string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT request_hash, job_id FROM idempotency WHERE client_id = ? AND idempotency_key = ?`, clientID, key)
	var requestHash, jobID string
	err := row.Scan(&requestHash, &jobID)
	if err == sql.ErrNoRows {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, errors.Wrap(err, "lookup idempotency")
	}
	return requestHash, jobID, true, nil
}

func (s *sqliteStore) PutIdempotency(ctx context.Context, clientID, key, requestHash, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT request_hash FROM idempotency WHERE client_id = ? AND idempotency_key = ?`, clientID, key).Scan(&existing)
	if err == nil {
		if existing != requestHash {
			return errors.Wrapf(errors.ErrIdempotencyReused, "client %s key %s", clientID, key)
		}
		return nil
	}
	if err != sql.ErrNoRows {
		return errors.Wrap(err, "check idempotency")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO idempotency (client_id, idempotency_key, request_hash, job_id) VALUES (?, ?, ?, ?)`,
		clientID, key, requestHash, jobID)
	return errors.Wrap(err, "insert idempotency")
}

func (s *sqliteStore) CollectGarbage(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT job_id FROM jobs WHERE state IN (?, ?, ?) AND updated_ts < ?`,
		int32(JobStateSucceeded), int32(JobStateFailed), int32(JobStateCanceled), formatTS(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "query expired jobs")
	}
	var expired []string
	for rows.Next() {
		var jobID string
		if err := rows.Scan(&jobID); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scan expired job")
		}
		expired = append(expired, jobID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterate expired jobs")
	}

	for _, jobID := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE job_id = ?`, jobID); err != nil {
			return 0, errors.Wrapf(err, "delete events for %s", jobID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM idempotency WHERE job_id = ?`, jobID); err != nil {
			return 0, errors.Wrapf(err, "delete idempotency for %s", jobID)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id = ?`, jobID); err != nil {
			return 0, errors.Wrapf(err, "delete job %s", jobID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "commit gc")
	}
	return len(expired), nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// formatTS 固定宽度的 UTC 时间戳，保证 TEXT 比较与时间序一致
func formatTS(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
