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

	"github.com/jackc/pgx/v5/pgxpool"

	"dome/internal/binder"
	"dome/pkg/errors"
)

const pgFactSchema = `
CREATE TABLE IF NOT EXISTS run_fact (
  run_id             TEXT PRIMARY KEY,
  base_ref           TEXT NOT NULL,
  gate_status        TEXT NOT NULL,
  substrate_status   TEXT NOT NULL,
  promotion_decision TEXT NOT NULL,
  risk_score         INTEGER NOT NULL,
  confidence         DOUBLE PRECISION NOT NULL,
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
  duration_ms          BIGINT NOT NULL,
  worker_model         TEXT NOT NULL,
  evidence_bundle_path TEXT NOT NULL,
  updated_ts           TEXT NOT NULL,
  PRIMARY KEY (run_id, task_id)
);
CREATE TABLE IF NOT EXISTS event_fact (
  run_id       TEXT NOT NULL,
  event_id     TEXT NOT NULL,
  topic        TEXT NOT NULL,
  sequence     BIGINT NOT NULL,
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

// pgFactStore postgres 后端，多实例共享时使用
type pgFactStore struct {
	pool *pgxpool.Pool
}

// NewPostgresFactStore 连接并确保 schema 存在
func NewPostgresFactStore(ctx context.Context, dsn string) (FactStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres fact store")
	}
	if _, err := pool.Exec(ctx, pgFactSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "apply postgres fact schema")
	}
	return &pgFactStore{pool: pool}, nil
}

func (s *pgFactStore) UpsertRunFact(ctx context.Context, snapshot RunSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_fact (
		  run_id, base_ref, gate_status, substrate_status, promotion_decision,
		  risk_score, confidence, repo_commit_sha, summary_path, state_space_path
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id) DO UPDATE SET
		  base_ref = EXCLUDED.base_ref,
		  gate_status = EXCLUDED.gate_status,
		  substrate_status = EXCLUDED.substrate_status,
		  promotion_decision = EXCLUDED.promotion_decision,
		  risk_score = EXCLUDED.risk_score,
		  confidence = EXCLUDED.confidence,
		  repo_commit_sha = EXCLUDED.repo_commit_sha,
		  summary_path = EXCLUDED.summary_path,
		  state_space_path = EXCLUDED.state_space_path`,
		snapshot.RunID, snapshot.BaseRef, snapshot.GateStatus, snapshot.SubstrateStatus,
		snapshot.PromotionDecision, snapshot.RiskScore, snapshot.Confidence,
		snapshot.RepoCommitSHA, snapshot.SummaryPath, snapshot.StateSpacePath)
	return errors.Wrap(err, "upsert run_fact")
}

func (s *pgFactStore) UpsertTaskFact(ctx context.Context, snapshot TaskSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_fact (
		  run_id, task_id, status, failure_reason_code, policy_reason_code,
		  attempts, duration_ms, worker_model, evidence_bundle_path, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
		  status = EXCLUDED.status,
		  failure_reason_code = EXCLUDED.failure_reason_code,
		  policy_reason_code = EXCLUDED.policy_reason_code,
		  attempts = EXCLUDED.attempts,
		  duration_ms = EXCLUDED.duration_ms,
		  worker_model = EXCLUDED.worker_model,
		  evidence_bundle_path = EXCLUDED.evidence_bundle_path,
		  updated_ts = EXCLUDED.updated_ts`,
		snapshot.RunID, snapshot.TaskID, snapshot.Status, snapshot.FailureReasonCode,
		snapshot.PolicyReasonCode, snapshot.Attempts, snapshot.DurationMs,
		snapshot.WorkerModel, snapshot.EvidenceBundlePath, snapshot.UpdatedTS)
	return errors.Wrap(err, "upsert task_fact")
}

func (s *pgFactStore) UpsertEventFact(ctx context.Context, snapshot EventSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_fact (
		  run_id, event_id, topic, sequence, ts, payload_json
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, event_id) DO UPDATE SET
		  topic = EXCLUDED.topic,
		  sequence = EXCLUDED.sequence,
		  ts = EXCLUDED.ts,
		  payload_json = EXCLUDED.payload_json`,
		snapshot.RunID, snapshot.EventID, snapshot.Topic, snapshot.Sequence,
		snapshot.TS, snapshot.PayloadJSON)
	return errors.Wrap(err, "upsert event_fact")
}

func (s *pgFactStore) UpsertBinderRow(ctx context.Context, row binder.Row) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO binder_fact (
		  derived_upsert_key, run_id, task_id, group_id, scope, target_kind, target_id,
		  action_kind, failure_reason_code, fingerprint, idempotency_key, binder_version,
		  support_count, contradiction_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (derived_upsert_key) DO UPDATE SET
		  fingerprint = EXCLUDED.fingerprint,
		  support_count = EXCLUDED.support_count,
		  contradiction_count = EXCLUDED.contradiction_count`,
		row.DerivedUpsertKey, row.RunID, row.TaskID, row.GroupID, row.Scope,
		row.TargetKind, row.TargetID, row.ActionKind, row.FailureReasonCode,
		row.Fingerprint, row.IdempotencyKey, row.BinderVersion,
		row.SupportCount, row.ContradictionCount)
	return errors.Wrap(err, "upsert binder_fact")
}

func (s *pgFactStore) TaskFacts(ctx context.Context, runID string) ([]TaskSnapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, task_id, status, failure_reason_code, policy_reason_code,
		       attempts, duration_ms, worker_model, evidence_bundle_path, updated_ts
		FROM task_fact WHERE run_id = $1 ORDER BY task_id`, runID)
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

func (s *pgFactStore) BinderRows(ctx context.Context, runID string) ([]binder.Row, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT derived_upsert_key, run_id, task_id, group_id, scope, target_kind, target_id,
		       action_kind, failure_reason_code, fingerprint, idempotency_key, binder_version,
		       support_count, contradiction_count
		FROM binder_fact WHERE run_id = $1 ORDER BY task_id`, runID)
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

func (s *pgFactStore) Close() error {
	s.pool.Close()
	return nil
}
