package types

import "time"

type SyncRunStatus string

const (
	SyncRunPending        SyncRunStatus = "pending"
	SyncRunRunning        SyncRunStatus = "running"
	SyncRunCompleted      SyncRunStatus = "completed"
	SyncRunPartialSuccess SyncRunStatus = "partial_success"
	SyncRunFailed         SyncRunStatus = "failed"
)

type TenantState string

const (
	TenantProcessed    TenantState = "processed"
	TenantFailed       TenantState = "failed"
	TenantAborted      TenantState = "aborted"
	TenantNotAttempted TenantState = "not_attempted"
)

type TenantError struct {
	TenantID string `json:"tenant_id"`
	Message  string `json:"message"`
}

type TenantOutcome struct {
	TenantID     string      `json:"tenant_id"`
	State        TenantState `json:"state"`
	Pages        int         `json:"pages"`
	Created      int         `json:"created"`
	Updated      int         `json:"updated"`
	Deleted      int         `json:"deleted"`
	Conflicts    int         `json:"conflicts"`
	Unchanged    int         `json:"unchanged"`
	MemberErrors int         `json:"member_errors"`
	Error        string      `json:"error,omitempty"`
}

// SyncRunResult aggregates one invocation of the orchestrator.
type SyncRunResult struct {
	ID                     string          `json:"id"`
	Status                 SyncRunStatus   `json:"status"`
	StartedAt              time.Time       `json:"started_at"`
	FinishedAt             time.Time       `json:"finished_at"`
	OrganizationsProcessed int             `json:"organizations_processed"`
	Created                int             `json:"created"`
	Updated                int             `json:"updated"`
	Deleted                int             `json:"deleted"`
	Conflicts              int             `json:"conflicts"`
	Errors                 []TenantError   `json:"errors"`
	Tenants                []TenantOutcome `json:"tenants"`
}
