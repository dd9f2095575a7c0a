// Package memstore keeps members, change events, conflict reports and sync
// runs in process memory. It backs tests and dry runs.
package memstore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/ports"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
)

var ErrDuplicateMember = errors.New("member already exists for tenant and external id")

type Store struct {
	mu sync.RWMutex

	// tenant_id -> external_id -> member
	members   map[string]map[string]types.Member
	events    []types.ChangeEvent
	conflicts []types.ConflictReport
	runs      []types.SyncRunResult
	tenants   []types.Tenant
}

var (
	_ ports.MemberStore     = (*Store)(nil)
	_ ports.ChangeFeedStore = (*Store)(nil)
	_ ports.SyncRunStore    = (*Store)(nil)
	_ ports.TenantSource    = (*Store)(nil)
)

func New(tenants ...types.Tenant) *Store {
	return &Store{
		members: make(map[string]map[string]types.Member),
		tenants: slices.Clone(tenants),
	}
}

func (s *Store) ListSyncTenants(context.Context) ([]types.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.tenants), nil
}

func (s *Store) FindMemberByExternalID(_ context.Context, tenantID string, externalID string) (types.Member, bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	externalID = strings.TrimSpace(externalID)
	if tenantID == "" {
		return types.Member{}, false, errors.New("tenant_id is required")
	}
	if externalID == "" {
		return types.Member{}, false, errors.New("external_id is required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[tenantID][externalID]
	return m, ok, nil
}

func (s *Store) ApplyMemberSync(_ context.Context, write ports.MemberSyncWrite) error {
	m := write.Member
	if strings.TrimSpace(m.TenantID) == "" {
		return errors.New("tenant_id is required")
	}
	ext := strings.TrimSpace(m.ExternalIDValue())
	if ext == "" {
		return errors.New("external_id is required")
	}
	for _, ev := range write.Events {
		if ev.TenantID != m.TenantID {
			return errors.New("change event tenant mismatch")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byExt, ok := s.members[m.TenantID]
	if !ok {
		byExt = make(map[string]types.Member)
		s.members[m.TenantID] = byExt
	}
	if _, exists := byExt[ext]; exists && write.Created {
		return ErrDuplicateMember
	}
	byExt[ext] = m
	s.events = append(s.events, write.Events...)
	if write.Conflict != nil {
		s.conflicts = append(s.conflicts, *write.Conflict)
	}
	return nil
}

// PutMember seeds or overwrites a member without emitting events.
func (s *Store) PutMember(m types.Member) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byExt, ok := s.members[m.TenantID]
	if !ok {
		byExt = make(map[string]types.Member)
		s.members[m.TenantID] = byExt
	}
	byExt[m.ExternalIDValue()] = m
}

// Members returns a tenant's members ordered by external id.
func (s *Store) Members(tenantID string) []types.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Member, 0, len(s.members[tenantID]))
	for _, m := range s.members[tenantID] {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b types.Member) int {
		return strings.Compare(a.ExternalIDValue(), b.ExternalIDValue())
	})
	return out
}

// Events returns a tenant's change events in append order.
func (s *Store) Events(tenantID string) []types.ChangeEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ChangeEvent
	for _, ev := range s.events {
		if ev.TenantID == tenantID {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Conflicts(tenantID string) []types.ConflictReport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.ConflictReport
	for _, c := range s.conflicts {
		if c.TenantID == tenantID {
			out = append(out, c)
		}
	}
	return out
}

func (s *Store) ListUnprocessedChangeEvents(_ context.Context, tenantID string, limit int) ([]types.ChangeEvent, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []types.ChangeEvent{}
	for _, ev := range s.events {
		if ev.TenantID != tenantID || ev.ProcessedAt != nil {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkChangeEventProcessed(_ context.Context, tenantID string, eventID string, processedAt time.Time) (bool, error) {
	tenantID = strings.TrimSpace(tenantID)
	eventID = strings.TrimSpace(eventID)
	if tenantID == "" {
		return false, errors.New("tenant_id is required")
	}
	if eventID == "" {
		return false, errors.New("event_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		ev := &s.events[i]
		if ev.TenantID != tenantID || ev.ID != eventID {
			continue
		}
		if ev.ProcessedAt == nil {
			at := processedAt.UTC()
			ev.ProcessedAt = &at
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) SaveSyncRun(_ context.Context, run types.SyncRunResult) error {
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("sync run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

func (s *Store) LatestSyncRun(context.Context) (types.SyncRunResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.runs) == 0 {
		return types.SyncRunResult{}, false, nil
	}
	latest := s.runs[0]
	for _, r := range s.runs[1:] {
		if !r.StartedAt.Before(latest.StartedAt) {
			latest = r
		}
	}
	return latest, true, nil
}

func (s *Store) SyncRuns() []types.SyncRunResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.runs)
}
