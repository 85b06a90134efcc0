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

package memoryd

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"dome/internal/binder"
	"dome/pkg/errors"
)

// FactStore 物化事实库。
// run_fact 键 run_id，task_fact 键 (run_id, task_id)，event_fact 键 (run_id, event_id)，
// binder_fact 键 derived_upsert_key；全部 upsert 幂等。
type FactStore interface {
	UpsertRunFact(ctx context.Context, snapshot RunSnapshot) error
	UpsertTaskFact(ctx context.Context, snapshot TaskSnapshot) error
	UpsertEventFact(ctx context.Context, snapshot EventSnapshot) error
	UpsertBinderRow(ctx context.Context, row binder.Row) error
	TaskFacts(ctx context.Context, runID string) ([]TaskSnapshot, error)
	BinderRows(ctx context.Context, runID string) ([]binder.Row, error)
	Close() error
}

const sqliteFactSchema = `
CREATE TABLE IF NOT EXISTS run_fact (
  run_id             TEXT PRIMARY KEY,
  base_ref           TEXT NOT NULL,
  gate_status        TEXT NOT NULL,
  substrate_status   TEXT NOT NULL,
  promotion_decision TEXT NOT NULL,
  risk_score         INTEGER NOT NULL,
  confidence         REAL NOT NULL,
  repo_commit_sha    TEXT NOT NULL,
  summary_path       TEXT NOT NULL,
  state_space_path   TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS task_fact (
  run_id               TEXT NOT NULL,
  task_id              TEXT NOT NULL,
  status               TEXT NOT NULL,
  failure_reason_code  TEXT NOT NULL,
  policy_reason_code   TEXT NOT NULL,
  attempts             INTEGER NOT NULL,
  duration_ms          INTEGER NOT NULL,
  worker_model         TEXT NOT NULL,
  evidence_bundle_path TEXT NOT NULL,
  updated_ts           TEXT NOT NULL,
  PRIMARY KEY (run_id, task_id)
);
CREATE TABLE IF NOT EXISTS event_fact (
  run_id       TEXT NOT NULL,
  event_id     TEXT NOT NULL,
  topic        TEXT NOT NULL,
  sequence     INTEGER NOT NULL,
  ts           TEXT NOT NULL,
  payload_json TEXT NOT NULL,
  PRIMARY KEY (run_id, event_id)
);
CREATE TABLE IF NOT EXISTS binder_fact (
  derived_upsert_key  TEXT PRIMARY KEY,
  run_id              TEXT NOT NULL,
  task_id             TEXT NOT NULL,
  group_id            TEXT NOT NULL,
  scope               TEXT NOT NULL,
  target_kind         TEXT NOT NULL,
  target_id           TEXT NOT NULL,
  action_kind         TEXT NOT NULL,
  failure_reason_code TEXT NOT NULL,
  fingerprint         TEXT NOT NULL,
  idempotency_key     TEXT NOT NULL,
  binder_version      TEXT NOT NULL,
  support_count       INTEGER NOT NULL,
  contradiction_count INTEGER NOT NULL
);
`

// sqliteFactStore modernc sqlite 后端
type sqliteFactStore struct {
	db *sql.DB
}

// NewSQLiteFactStore 打开（必要时建库建表）
func NewSQLiteFactStore(path string) (FactStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create fact store dir")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open fact store")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "apply fact store pragma")
		}
	}
	if _, err := db.Exec(sqliteFactSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply fact store schema")
	}
	return &sqliteFactStore{db: db}, nil
}

func (s *sqliteFactStore) UpsertRunFact(ctx context.Context, snapshot RunSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO run_fact (
		  run_id, base_ref, gate_status, substrate_status, promotion_decision,
		  risk_score, confidence, repo_commit_sha, summary_path, state_space_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.RunID, snapshot.BaseRef, snapshot.GateStatus, snapshot.SubstrateStatus,
		snapshot.PromotionDecision, snapshot.RiskScore, snapshot.Confidence,
		snapshot.RepoCommitSHA, snapshot.SummaryPath, snapshot.StateSpacePath)
	return errors.Wrap(err, "upsert run_fact")
}

func (s *sqliteFactStore) UpsertTaskFact(ctx context.Context, snapshot TaskSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_fact (
		  run_id, task_id, status, failure_reason_code, policy_reason_code,
		  attempts, duration_ms, worker_model, evidence_bundle_path, updated_ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.RunID, snapshot.TaskID, snapshot.Status, snapshot.FailureReasonCode,
		snapshot.PolicyReasonCode, snapshot.Attempts, snapshot.DurationMs,
		snapshot.WorkerModel, snapshot.EvidenceBundlePath, snapshot.UpdatedTS)
	return errors.Wrap(err, "upsert task_fact")
}

func (s *sqliteFactStore) UpsertEventFact(ctx context.Context, snapshot EventSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO event_fact (
		  run_id, event_id, topic, sequence, ts, payload_json
		) VALUES (?, ?, ?, ?, ?, ?)`,
		snapshot.RunID, snapshot.EventID, snapshot.Topic, snapshot.Sequence,
		snapshot.TS, snapshot.PayloadJSON)
	return errors.Wrap(err, "upsert event_fact")
}

func (s *sqliteFactStore) UpsertBinderRow(ctx context.Context, row binder.Row) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO binder_fact (
		  derived_upsert_key, run_id, task_id, group_id, scope, target_kind, target_id,
		  action_kind, failure_reason_code, fingerprint, idempotency_key, binder_version,
		  support_count, contradiction_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.DerivedUpsertKey, row.RunID, row.TaskID, row.GroupID, row.Scope,
		row.TargetKind, row.TargetID, row.ActionKind, row.FailureReasonCode,
		row.Fingerprint, row.IdempotencyKey, row.BinderVersion,
		row.SupportCount, row.ContradictionCount)
	return errors.Wrap(err, "upsert binder_fact")
}

func (s *sqliteFactStore) TaskFacts(ctx context.Context, runID string) ([]TaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, task_id, status, failure_reason_code, policy_reason_code,
		       attempts, duration_ms, worker_model, evidence_bundle_path, updated_ts
		FROM task_fact WHERE run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query task_fact")
	}
	defer rows.Close()
	var out []TaskSnapshot
	for rows.Next() {
		var snapshot TaskSnapshot
		if err := rows.Scan(&snapshot.RunID, &snapshot.TaskID, &snapshot.Status,
			&snapshot.FailureReasonCode, &snapshot.PolicyReasonCode, &snapshot.Attempts,
			&snapshot.DurationMs, &snapshot.WorkerModel, &snapshot.EvidenceBundlePath,
			&snapshot.UpdatedTS); err != nil {
			return nil, errors.Wrap(err, "scan task_fact")
		}
		out = append(out, snapshot)
	}
	return out, rows.Err()
}

func (s *sqliteFactStore) BinderRows(ctx context.Context, runID string) ([]binder.Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT derived_upsert_key, run_id, task_id, group_id, scope, target_kind, target_id,
		       action_kind, failure_reason_code, fingerprint, idempotency_key, binder_version,
		       support_count, contradiction_count
		FROM binder_fact WHERE run_id = ? ORDER BY task_id`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "query binder_fact")
	}
	defer rows.Close()
	var out []binder.Row
	for rows.Next() {
		var row binder.Row
		if err := rows.Scan(&row.DerivedUpsertKey, &row.RunID, &row.TaskID, &row.GroupID,
			&row.Scope, &row.TargetKind, &row.TargetID, &row.ActionKind,
			&row.FailureReasonCode, &row.Fingerprint, &row.IdempotencyKey,
			&row.BinderVersion, &row.SupportCount, &row.ContradictionCount); err != nil {
			return nil, errors.Wrap(err, "scan binder_fact")
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *sqliteFactStore) Close() error { return s.db.Close() }
