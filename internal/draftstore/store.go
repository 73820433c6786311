// Package draftstore is the durable local cache of in-progress questionnaire
// answers. It is a mirror of the in-memory field value store: always
// rebuildable from it, and read back exactly once at session start.
package draftstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plantsafe/questengine/internal/form"
)

const (
	// SchemaVersion tags every record; records written by an incompatible
	// engine revision are discarded on load.
	SchemaVersion = "draft/v2"

	// RetentionWindow is the maximum draft age honored on load.
	RetentionWindow = 7 * 24 * time.Hour
)

// Sync status values for a persisted draft.
const (
	SyncSynced  = "synced"
	SyncPending = "pending"
)

// Identity is the composite key scoping one draft. Two materials or plants
// sharing a workflow context must never cross-contaminate answers, so the
// key is always the full triple, never the workflow id alone.
type Identity struct {
	WorkflowID   string `json:"workflow_id"`
	MaterialCode string `json:"material_code"`
	PlantCode    string `json:"plant_code"`
}

func (id Identity) Normalize() Identity {
	return Identity{
		WorkflowID:   strings.TrimSpace(id.WorkflowID),
		MaterialCode: strings.TrimSpace(id.MaterialCode),
		PlantCode:    strings.TrimSpace(id.PlantCode),
	}
}

func (id Identity) Validate() error {
	id = id.Normalize()
	if id.WorkflowID == "" {
		return errors.New("missing workflow_id")
	}
	if id.MaterialCode == "" {
		return errors.New("missing material_code")
	}
	if id.PlantCode == "" {
		return errors.New("missing plant_code")
	}
	return nil
}

func (id Identity) Equal(o Identity) bool {
	a, b := id.Normalize(), o.Normalize()
	return a.WorkflowID == b.WorkflowID && a.MaterialCode == b.MaterialCode && a.PlantCode == b.PlantCode
}

// Key is the deterministic composite storage key, used in audit entries.
func (id Identity) Key() string {
	n := id.Normalize()
	return n.WorkflowID + "|" + n.MaterialCode + "|" + n.PlantCode
}

// Record is one persisted draft.
type Record struct {
	Identity Identity `json:"identity"`

	Answers        map[string]form.Value `json:"answers"`
	CurrentStep    int                   `json:"current_step"`
	CompletedSteps []int                 `json:"completed_steps"`

	SyncStatus    string `json:"sync_status"`
	SchemaVersion string `json:"schema_version"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

// DiscardReason explains why a load returned no record despite a row being
// present. Discarded rows are deleted before Load returns.
type DiscardReason string

const (
	DiscardNone     DiscardReason = ""
	DiscardCorrupt  DiscardReason = "corrupt"
	DiscardIdentity DiscardReason = "identity_mismatch"
	DiscardSchema   DiscardReason = "schema_version"
	DiscardExpired  DiscardReason = "expired"
)

// Summary is the listing shape used by maintenance tooling.
type Summary struct {
	Identity        Identity
	SyncStatus      string
	AnswerCount     int
	CreatedAtUnixMs int64
	UpdatedAtUnixMs int64
}

// Store is the SQLite-backed draft store. WAL is enabled so a maintenance
// process can read while a session writes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetNowFunc overrides the clock. Tests only.
func (s *Store) SetNowFunc(now func() time.Time) {
	if s != nil && now != nil {
		s.now = now
	}
}

// Save overwrites the draft for its identity. The original created_at is
// preserved across overwrites so retention measures draft age, not
// last-touch age.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if rec == nil {
		return errors.New("nil record")
	}
	id := rec.Identity.Normalize()
	if err := id.Validate(); err != nil {
		return fmt.Errorf("invalid identity: %w", err)
	}

	answers := rec.Answers
	if answers == nil {
		answers = map[string]form.Value{}
	}
	answersJSON, err := json.Marshal(answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}
	steps := rec.CompletedSteps
	if steps == nil {
		steps = []int{}
	}
	stepsJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("encode completed steps: %w", err)
	}

	status := normalizeSyncStatus(rec.SyncStatus)
	now := s.now().UnixMilli()
	created := rec.CreatedAtUnixMs
	if created <= 0 {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO drafts(
  workflow_id, material_code, plant_code,
  answers_json, current_step, completed_steps_json,
  sync_status, schema_version,
  created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(workflow_id, material_code, plant_code) DO UPDATE SET
  answers_json = excluded.answers_json,
  current_step = excluded.current_step,
  completed_steps_json = excluded.completed_steps_json,
  sync_status = excluded.sync_status,
  schema_version = excluded.schema_version,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`,
		id.WorkflowID, id.MaterialCode, id.PlantCode,
		string(answersJSON), rec.CurrentStep, string(stepsJSON),
		status, SchemaVersion,
		created, now,
	)
	return err
}

// Load reads and validates the draft for an identity. A row that fails
// validation (corrupt JSON, identity mismatch, wrong schema version, age
// beyond the retention window) is deleted and reported via the reason.
func (s *Store) Load(ctx context.Context, id Identity) (*Record, DiscardReason, error) {
	if s == nil || s.db == nil {
		return nil, DiscardNone, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = id.Normalize()
	if err := id.Validate(); err != nil {
		return nil, DiscardNone, fmt.Errorf("invalid identity: %w", err)
	}

	var (
		rec         Record
		answersJSON string
		stepsJSON   string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT workflow_id, material_code, plant_code,
       answers_json, current_step, completed_steps_json,
       sync_status, schema_version,
       created_at_unix_ms, updated_at_unix_ms
FROM drafts
WHERE workflow_id = ? AND material_code = ? AND plant_code = ?
`, id.WorkflowID, id.MaterialCode, id.PlantCode).Scan(
		&rec.Identity.WorkflowID, &rec.Identity.MaterialCode, &rec.Identity.PlantCode,
		&answersJSON, &rec.CurrentStep, &stepsJSON,
		&rec.SyncStatus, &rec.SchemaVersion,
		&rec.CreatedAtUnixMs, &rec.UpdatedAtUnixMs,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, DiscardNone, nil
		}
		return nil, DiscardNone, err
	}

	if reason := s.validateLoaded(&rec, id, answersJSON, stepsJSON); reason != DiscardNone {
		if delErr := s.Delete(ctx, id); delErr != nil {
			return nil, reason, delErr
		}
		return nil, reason, nil
	}
	return &rec, DiscardNone, nil
}

func (s *Store) validateLoaded(rec *Record, requested Identity, answersJSON, stepsJSON string) DiscardReason {
	// The composite key makes a mismatch structurally impossible, but the
	// stored identity is still checked: applying draft A to session B is the
	// one corruption this store exists to prevent.
	if !rec.Identity.Equal(requested) {
		return DiscardIdentity
	}
	if rec.SchemaVersion != SchemaVersion {
		return DiscardSchema
	}
	if rec.CreatedAtUnixMs <= 0 ||
		s.now().Sub(time.UnixMilli(rec.CreatedAtUnixMs)) > RetentionWindow {
		return DiscardExpired
	}

	var answers map[string]form.Value
	if err := json.Unmarshal([]byte(answersJSON), &answers); err != nil {
		return DiscardCorrupt
	}
	var steps []int
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		return DiscardCorrupt
	}

	// Rehydrate only genuinely answered fields.
	rec.Answers = make(map[string]form.Value, len(answers))
	for name, v := range answers {
		name = strings.TrimSpace(name)
		if name == "" || v.IsEmpty() {
			continue
		}
		rec.Answers[name] = v
	}
	rec.CompletedSteps = steps
	rec.SyncStatus = normalizeSyncStatus(rec.SyncStatus)
	return DiscardNone
}

// SetSyncStatus updates just the sync flag of an existing draft.
func (s *Store) SetSyncStatus(ctx context.Context, id Identity, status string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = id.Normalize()
	if err := id.Validate(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE drafts
SET sync_status = ?, updated_at_unix_ms = ?
WHERE workflow_id = ? AND material_code = ? AND plant_code = ?
`, normalizeSyncStatus(status), s.now().UnixMilli(), id.WorkflowID, id.MaterialCode, id.PlantCode)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes the draft for an identity. Deleting an absent draft is not
// an error.
func (s *Store) Delete(ctx context.Context, id Identity) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = id.Normalize()
	if err := id.Validate(); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
DELETE FROM drafts
WHERE workflow_id = ? AND material_code = ? AND plant_code = ?
`, id.WorkflowID, id.MaterialCode, id.PlantCode)
	return err
}

// Purge deletes every draft older than maxAge and returns the count.
func (s *Store) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if maxAge <= 0 {
		maxAge = RetentionWindow
	}

	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE created_at_unix_ms < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// List returns summaries of every stored draft, newest first.
func (s *Store) List(ctx context.Context) ([]Summary, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT workflow_id, material_code, plant_code,
       answers_json, sync_status, created_at_unix_ms, updated_at_unix_ms
FROM drafts
ORDER BY updated_at_unix_ms DESC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum         Summary
			answersJSON string
		)
		if err := rows.Scan(
			&sum.Identity.WorkflowID, &sum.Identity.MaterialCode, &sum.Identity.PlantCode,
			&answersJSON, &sum.SyncStatus, &sum.CreatedAtUnixMs, &sum.UpdatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		var answers map[string]form.Value
		if err := json.Unmarshal([]byte(answersJSON), &answers); err == nil {
			for _, v := range answers {
				if !v.IsEmpty() {
					sum.AnswerCount++
				}
			}
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func normalizeSyncStatus(status string) string {
	switch strings.TrimSpace(status) {
	case SyncSynced:
		return SyncSynced
	default:
		return SyncPending
	}
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS drafts (
  workflow_id TEXT NOT NULL,
  material_code TEXT NOT NULL,
  plant_code TEXT NOT NULL,
  answers_json TEXT NOT NULL DEFAULT '{}',
  current_step INTEGER NOT NULL DEFAULT 0,
  completed_steps_json TEXT NOT NULL DEFAULT '[]',
  sync_status TEXT NOT NULL DEFAULT 'pending',
  schema_version TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY (workflow_id, material_code, plant_code)
);
CREATE INDEX IF NOT EXISTS idx_drafts_created ON drafts(created_at_unix_ms);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
