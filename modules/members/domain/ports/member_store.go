package ports

import (
	"context"
	"time"

	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
)

// MemberSyncWrite is everything one reconciled member commits: the member
// row, its change events in emission order and an optional conflict report.
// Stores apply it atomically.
type MemberSyncWrite struct {
	Member   types.Member
	Created  bool
	Events   []types.ChangeEvent
	Conflict *types.ConflictReport
}

type MemberStore interface {
	FindMemberByExternalID(ctx context.Context, tenantID string, externalID string) (types.Member, bool, error)
	ApplyMemberSync(ctx context.Context, write MemberSyncWrite) error
}

type ChangeFeedStore interface {
	ListUnprocessedChangeEvents(ctx context.Context, tenantID string, limit int) ([]types.ChangeEvent, error)
	MarkChangeEventProcessed(ctx context.Context, tenantID string, eventID string, processedAt time.Time) (bool, error)
}

type SyncRunStore interface {
	SaveSyncRun(ctx context.Context, run types.SyncRunResult) error
	LatestSyncRun(ctx context.Context) (types.SyncRunResult, bool, error)
}

type TenantSource interface {
	ListSyncTenants(ctx context.Context) ([]types.Tenant, error)
}
