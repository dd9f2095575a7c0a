package persistence

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/ports"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
)

//go:embed schema.sql
var schemaSQL string

var ErrDuplicateMember = errors.New("member already exists for tenant and external id")

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PGStore struct {
	pool pgBeginner
}

var (
	_ ports.MemberStore     = (*PGStore)(nil)
	_ ports.ChangeFeedStore = (*PGStore)(nil)
	_ ports.SyncRunStore    = (*PGStore)(nil)
	_ ports.TenantSource    = (*PGStore)(nil)
)

func NewPGStore(pool pgBeginner) *PGStore {
	return &PGStore{pool: pool}
}

// ApplySchema creates the crm schema and tables when missing.
func (s *PGStore) ApplySchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) beginTenant(ctx context.Context, tenantID string) (pgx.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		_ = tx.Rollback(context.Background())
		return nil, err
	}
	return tx, nil
}

func (s *PGStore) FindMemberByExternalID(ctx context.Context, tenantID string, externalID string) (types.Member, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return types.Member{}, false, errors.New("tenant_id is required")
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return types.Member{}, false, errors.New("external_id is required")
	}

	tx, err := s.beginTenant(ctx, tenantID)
	if err != nil {
		return types.Member{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var m types.Member
	var address []byte
	err = tx.QueryRow(ctx, `
SELECT
  id::text,
  tenant_id,
  external_id,
  name,
  email,
  phone,
  birth_date,
  marital_status,
  address,
  sync_source,
  last_synced_at,
  local_edited_at,
  remote_deleted_at,
  created_at,
  updated_at
FROM crm.members
WHERE tenant_id = $1 AND external_id = $2
`, tenantID, externalID).Scan(
		&m.ID,
		&m.TenantID,
		&m.ExternalID,
		&m.Name,
		&m.Email,
		&m.Phone,
		&m.BirthDate,
		&m.MaritalStatus,
		&address,
		&m.SyncSource,
		&m.LastSyncedAt,
		&m.LocalEditedAt,
		&m.RemoteDeletedAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Member{}, false, nil
	}
	if err != nil {
		return types.Member{}, false, err
	}
	if len(address) > 0 && string(address) != "null" {
		var a types.Address
		if err := json.Unmarshal(address, &a); err != nil {
			return types.Member{}, false, err
		}
		m.Address = &a
	}

	if err := tx.Commit(ctx); err != nil {
		return types.Member{}, false, err
	}
	return m, true, nil
}

func addressJSON(a *types.Address) ([]byte, error) {
	if a.IsEmpty() {
		return nil, nil
	}
	return json.Marshal(a)
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return []byte(raw)
}

func nullableUUID(id string) *string {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return &id
}

// ApplyMemberSync writes the member row, its change events and an optional
// conflict report in one tenant-scoped transaction.
func (s *PGStore) ApplyMemberSync(ctx context.Context, write ports.MemberSyncWrite) error {
	m := write.Member
	m.TenantID = strings.TrimSpace(m.TenantID)
	if m.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if strings.TrimSpace(m.ID) == "" {
		return errors.New("member id is required")
	}
	if strings.TrimSpace(m.ExternalIDValue()) == "" {
		return errors.New("external_id is required")
	}
	for _, ev := range write.Events {
		if ev.TenantID != m.TenantID {
			return errors.New("change event tenant mismatch")
		}
	}
	address, err := addressJSON(m.Address)
	if err != nil {
		return err
	}

	tx, err := s.beginTenant(ctx, m.TenantID)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if write.Created {
		_, err = tx.Exec(ctx, `
INSERT INTO crm.members (
  id,
  tenant_id,
  external_id,
  name,
  email,
  phone,
  birth_date,
  marital_status,
  address,
  sync_source,
  last_synced_at,
  local_edited_at,
  remote_deleted_at,
  created_at,
  updated_at
)
VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $11, $12, $13, $14, $15)
`, m.ID, m.TenantID, m.ExternalID, m.Name, m.Email, m.Phone, m.BirthDate, m.MaritalStatus, address,
			m.SyncSource, m.LastSyncedAt, m.LocalEditedAt, m.RemoteDeletedAt, m.CreatedAt, m.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateMember
		}
		if err != nil {
			return err
		}
	} else {
		tag, err := tx.Exec(ctx, `
UPDATE crm.members
SET
  name = $3,
  email = $4,
  phone = $5,
  birth_date = $6,
  marital_status = $7,
  address = $8::jsonb,
  last_synced_at = $9,
  remote_deleted_at = $10,
  updated_at = $11
WHERE tenant_id = $1 AND id = $2::uuid
`, m.TenantID, m.ID, m.Name, m.Email, m.Phone, m.BirthDate, m.MaritalStatus, address,
			m.LastSyncedAt, m.RemoteDeletedAt, m.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return errors.New("member not found")
		}
	}

	for _, ev := range write.Events {
		if _, err := tx.Exec(ctx, `
INSERT INTO crm.change_events (
  id,
  tenant_id,
  person_id,
  sync_run_id,
  sequence,
  change_type,
  old_value,
  new_value,
  detected_at,
  urgency_score,
  ai_analysis
)
VALUES ($1::uuid, $2, $3::uuid, $4::uuid, $5, $6, $7::jsonb, $8::jsonb, $9, $10, $11::jsonb)
`, ev.ID, ev.TenantID, ev.PersonID, nullableUUID(ev.SyncRunID), ev.Sequence, ev.ChangeType,
			nullableJSON(ev.OldValue), nullableJSON(ev.NewValue), ev.DetectedAt, ev.UrgencyScore, nullableJSON(ev.AIAnalysis)); err != nil {
			return err
		}
	}

	if c := write.Conflict; c != nil {
		report, err := json.Marshal(c)
		if err != nil {
			return err
		}
		reasons, err := json.Marshal(c.Reasons)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO crm.conflict_reports (
  id,
  tenant_id,
  person_id,
  external_id,
  sync_run_id,
  significance,
  reasons,
  report,
  created_at
)
VALUES ($1::uuid, $2, $3::uuid, $4, $5::uuid, $6, $7::jsonb, $8::jsonb, $9)
`, c.ID, m.TenantID, m.ID, c.ExternalID, nullableUUID(c.SyncRunID), string(c.Significance), reasons, report, c.CreatedAt); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PGStore) ListUnprocessedChangeEvents(ctx context.Context, tenantID string, limit int) ([]types.ChangeEvent, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	tx, err := s.beginTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT
  id::text,
  tenant_id,
  person_id::text,
  COALESCE(sync_run_id::text, ''),
  sequence,
  change_type,
  old_value,
  new_value,
  detected_at,
  urgency_score,
  ai_analysis
FROM crm.change_events
WHERE tenant_id = $1 AND processed_at IS NULL
ORDER BY detected_at, sequence, id
LIMIT $2
`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.ChangeEvent{}
	for rows.Next() {
		var ev types.ChangeEvent
		var oldValue, newValue, analysis []byte
		if err := rows.Scan(
			&ev.ID,
			&ev.TenantID,
			&ev.PersonID,
			&ev.SyncRunID,
			&ev.Sequence,
			&ev.ChangeType,
			&oldValue,
			&newValue,
			&ev.DetectedAt,
			&ev.UrgencyScore,
			&analysis,
		); err != nil {
			return nil, err
		}
		ev.OldValue = rawOrNull(oldValue)
		ev.NewValue = rawOrNull(newValue)
		if len(analysis) > 0 {
			ev.AIAnalysis = json.RawMessage(analysis)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage(`null`)
	}
	return json.RawMessage(b)
}

// MarkChangeEventProcessed stamps processed_at once; a second call is a
// no-op that still reports the event as found.
func (s *PGStore) MarkChangeEventProcessed(ctx context.Context, tenantID string, eventID string, processedAt time.Time) (bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return false, errors.New("tenant_id is required")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false, errors.New("event_id is required")
	}

	tx, err := s.beginTenant(ctx, tenantID)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var found bool
	if err := tx.QueryRow(ctx, `
WITH target AS (
  SELECT id FROM crm.change_events WHERE tenant_id = $1 AND id = $2::uuid
), updated AS (
  UPDATE crm.change_events
  SET processed_at = $3
  WHERE tenant_id = $1 AND id = $2::uuid AND processed_at IS NULL
)
SELECT EXISTS (SELECT 1 FROM target)
`, tenantID, eventID, processedAt.UTC()).Scan(&found); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return found, nil
}

func (s *PGStore) SaveSyncRun(ctx context.Context, run types.SyncRunResult) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("sync run id is required")
	}
	result, err := json.Marshal(run)
	if err != nil {
		return err
	}
	var finishedAt *time.Time
	if !run.FinishedAt.IsZero() {
		finishedAt = &run.FinishedAt
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `
INSERT INTO crm.sync_runs (id, status, started_at, finished_at, result)
VALUES ($1::uuid, $2, $3, $4, $5::jsonb)
ON CONFLICT (id)
DO UPDATE SET
  status = EXCLUDED.status,
  finished_at = EXCLUDED.finished_at,
  result = EXCLUDED.result
`, run.ID, string(run.Status), run.StartedAt, finishedAt, result); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) LatestSyncRun(ctx context.Context) (types.SyncRunResult, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return types.SyncRunResult{}, false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	var raw []byte
	err = tx.QueryRow(ctx, `
SELECT result
FROM crm.sync_runs
ORDER BY started_at DESC, id DESC
LIMIT 1
`).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.SyncRunResult{}, false, nil
	}
	if err != nil {
		return types.SyncRunResult{}, false, err
	}

	var run types.SyncRunResult
	if err := json.Unmarshal(raw, &run); err != nil {
		return types.SyncRunResult{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return types.SyncRunResult{}, false, err
	}
	return run, true, nil
}

// ListSyncTenants returns enabled tenant integrations. Credentials may be
// blank when secret_ref points at an external secret.
func (s *PGStore) ListSyncTenants(ctx context.Context) ([]types.Tenant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	rows, err := tx.Query(ctx, `
SELECT tenant_id, name, base_url, api_key, api_secret, secret_ref
FROM crm.tenant_integrations
WHERE enabled
ORDER BY tenant_id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Tenant
	for rows.Next() {
		var t types.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.BaseURL, &t.APIKey, &t.APISecret, &t.SecretRef); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if pgErr, ok := errors.AsType[*pgconn.PgError](err); ok && pgErr != nil {
		return strings.TrimSpace(pgErr.Code) == "23505"
	}
	return false
}
