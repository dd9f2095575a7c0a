package membersync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/ports"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/modules/members/services"
	"github.com/jacksonlee411/member-delta-sync/pkg/syncerr"
	"go.uber.org/zap"
)

type memberAction int

const (
	actionUnchanged memberAction = iota
	actionSkipped
	actionCreated
	actionUpdated
	actionDeleted
)

type memberResult struct {
	action   memberAction
	conflict bool
}

// tenantRun carries per-tenant state through one run. Tenants are processed
// sequentially inside, so seq needs no locking.
type tenantRun struct {
	runID    string
	tenantID string
	seq      int
	logger   *zap.Logger
}

func (o *Orchestrator) syncTenant(ctx context.Context, logger *zap.Logger, runID string, tenant types.Tenant) (out types.TenantOutcome) {
	out = types.TenantOutcome{TenantID: tenant.ID, State: types.TenantProcessed}
	if err := ctx.Err(); err != nil {
		out.State = types.TenantNotAttempted
		out.Error = "not attempted: " + err.Error()
		return out
	}

	tr := &tenantRun{runID: runID, tenantID: tenant.ID, logger: logger.With(zap.String("tenant_id", tenant.ID))}
	defer func() {
		if r := recover(); r != nil {
			out.State = types.TenantFailed
			out.Error = fmt.Sprintf("panic: %v", r)
			tr.logger.Error("tenant sync panicked", zap.Any("panic", r))
		}
	}()

	fail := func(page int, err error) types.TenantOutcome {
		out.State = types.TenantFailed
		if ctx.Err() != nil {
			out.State = types.TenantAborted
		}
		if page > 0 {
			out.Error = fmt.Sprintf("page %d: %v", page, err)
		} else {
			out.Error = err.Error()
		}
		tr.logger.Error("tenant sync failed", zap.String("state", string(out.State)), zap.Int("page", page), zap.Error(err))
		return out
	}

	client, err := o.newClient(tenant)
	if err != nil {
		return fail(0, fmt.Errorf("build client: %w", err))
	}

	for page := 1; ; page++ {
		if page > 1 {
			if err := o.sleep(ctx, o.opts.PageDelay); err != nil {
				return fail(page, err)
			}
		}

		members, pagination, err := client.FetchMembers(ctx, page, o.opts.PageSize, o.opts.Filters)
		if err != nil {
			return fail(page, err)
		}
		out.Pages++
		tr.logger.Debug("page fetched", zap.Int("page", page), zap.Int("members", len(members)), zap.Bool("has_more", pagination.HasMore))

		for _, rm := range members {
			if err := ctx.Err(); err != nil {
				return fail(page, err)
			}
			res, err := o.syncMember(ctx, tr, rm)
			if err != nil {
				if ctx.Err() != nil {
					return fail(page, err)
				}
				out.MemberErrors++
				tr.logger.Warn("member sync failed",
					zap.Int("page", page),
					zap.String("external_id", rm.ID),
					zap.Error(err),
				)
				continue
			}
			switch res.action {
			case actionCreated:
				out.Created++
			case actionUpdated:
				out.Updated++
			case actionDeleted:
				out.Deleted++
			case actionUnchanged:
				if !res.conflict {
					out.Unchanged++
				}
			}
			if res.conflict {
				out.Conflicts++
			}
		}

		if !pagination.HasMore || len(members) == 0 {
			break
		}
	}

	tr.logger.Info("tenant sync finished",
		zap.Int("pages", out.Pages),
		zap.Int("created", out.Created),
		zap.Int("updated", out.Updated),
		zap.Int("deleted", out.Deleted),
		zap.Int("conflicts", out.Conflicts),
		zap.Int("unchanged", out.Unchanged),
		zap.Int("member_errors", out.MemberErrors),
	)
	return out
}

func (o *Orchestrator) syncMember(ctx context.Context, tr *tenantRun, rm types.RemoteMember) (memberResult, error) {
	externalID := strings.TrimSpace(rm.ID)
	if externalID == "" {
		return memberResult{}, syncerr.Validation("remote member id is required", nil)
	}

	local, found, err := o.members.FindMemberByExternalID(ctx, tr.tenantID, externalID)
	if err != nil {
		return memberResult{}, err
	}
	now := o.now().UTC()

	if !found {
		if rm.IsDeleted() {
			return memberResult{action: actionSkipped}, nil
		}
		return o.createMember(ctx, tr, externalID, rm, now)
	}

	if rm.IsDeleted() {
		if local.RemoteDeletedAt != nil {
			return memberResult{action: actionUnchanged}, nil
		}
		return o.markDeleted(ctx, tr, local, now)
	}

	// An active remote record brings a previously deleted member back.
	restored := local.RemoteDeletedAt != nil

	changes, err := services.DetectChanges(local, rm)
	if err != nil {
		return memberResult{}, err
	}
	if len(changes) == 0 && !restored {
		return memberResult{action: actionUnchanged}, nil
	}

	res := services.Resolution{Member: local}
	if len(changes) > 0 {
		res, err = o.resolver.Resolve(local, rm, changes)
		if err != nil {
			return memberResult{}, err
		}
	}
	if len(res.Applied) == 0 && !res.Conflict && !restored {
		return memberResult{action: actionUnchanged}, nil
	}

	m := res.Member
	m.RemoteDeletedAt = nil
	m.LastSyncedAt = &now
	m.UpdatedAt = now

	write := ports.MemberSyncWrite{Member: m}
	for _, a := range res.Applied {
		ev, err := o.newEvent(tr, m.ID, types.UpdatedChangeType(a.Change.Field), a.Change.OldValue, a.Change.NewValue, now)
		if err != nil {
			return memberResult{}, err
		}
		write.Events = append(write.Events, ev)
	}

	if res.Conflict && res.Report != nil {
		reportID, err := o.newID()
		if err != nil {
			return memberResult{}, err
		}
		report := *res.Report
		report.ID = reportID
		report.SyncRunID = tr.runID
		write.Conflict = &report

		ev, err := o.newEvent(tr, m.ID, types.ChangeTypePersonConflict, report.LocalValues, conflictSummary{
			ReportID:     report.ID,
			Reasons:      report.Reasons,
			Significance: report.Significance,
			Remote:       report.RemoteValues,
		}, now)
		if err != nil {
			return memberResult{}, err
		}
		write.Events = append(write.Events, ev)
	}

	if err := o.members.ApplyMemberSync(ctx, write); err != nil {
		return memberResult{}, err
	}

	action := actionUnchanged
	if len(res.Applied) > 0 || restored {
		action = actionUpdated
	}
	if restored {
		tr.logger.Info("member restored", zap.String("external_id", externalID))
	}
	if res.Conflict {
		tr.logger.Info("member conflict flagged",
			zap.String("external_id", externalID),
			zap.Strings("reasons", res.Report.Reasons),
		)
	}
	return memberResult{action: action, conflict: res.Conflict}, nil
}

type conflictSummary struct {
	ReportID     string                           `json:"report_id"`
	Reasons      []string                         `json:"reasons"`
	Significance types.Significance               `json:"significance"`
	Remote       map[types.Field]types.FieldValue `json:"remote"`
}

func (o *Orchestrator) createMember(ctx context.Context, tr *tenantRun, externalID string, rm types.RemoteMember, now time.Time) (memberResult, error) {
	id, err := o.newID()
	if err != nil {
		return memberResult{}, err
	}
	m := types.Member{
		ID:           id,
		TenantID:     tr.tenantID,
		ExternalID:   &externalID,
		SyncSource:   types.SyncSourceDailyPolling,
		LastSyncedAt: &now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for f, v := range rm.Values() {
		m.SetValue(f, v)
	}

	ev, err := o.newEvent(tr, m.ID, types.ChangeTypePersonCreated, nil, m.Values(), now)
	if err != nil {
		return memberResult{}, err
	}
	if err := o.members.ApplyMemberSync(ctx, ports.MemberSyncWrite{Member: m, Created: true, Events: []types.ChangeEvent{ev}}); err != nil {
		return memberResult{}, err
	}
	return memberResult{action: actionCreated}, nil
}

func (o *Orchestrator) markDeleted(ctx context.Context, tr *tenantRun, local types.Member, now time.Time) (memberResult, error) {
	m := local
	m.RemoteDeletedAt = &now
	m.LastSyncedAt = &now
	m.UpdatedAt = now

	ev, err := o.newEvent(tr, m.ID, types.ChangeTypePersonDeleted, local.Values(), map[string]string{"status": types.RemoteStatusDeleted}, now)
	if err != nil {
		return memberResult{}, err
	}
	if err := o.members.ApplyMemberSync(ctx, ports.MemberSyncWrite{Member: m, Events: []types.ChangeEvent{ev}}); err != nil {
		return memberResult{}, err
	}
	return memberResult{action: actionDeleted}, nil
}

func (o *Orchestrator) newEvent(tr *tenantRun, personID string, changeType string, oldValue any, newValue any, now time.Time) (types.ChangeEvent, error) {
	id, err := o.newID()
	if err != nil {
		return types.ChangeEvent{}, err
	}
	oldRaw, err := marshalValue(oldValue)
	if err != nil {
		return types.ChangeEvent{}, err
	}
	newRaw, err := marshalValue(newValue)
	if err != nil {
		return types.ChangeEvent{}, err
	}
	tr.seq++
	return types.ChangeEvent{
		ID:           id,
		TenantID:     tr.tenantID,
		PersonID:     personID,
		SyncRunID:    tr.runID,
		Sequence:     tr.seq,
		ChangeType:   changeType,
		OldValue:     oldRaw,
		NewValue:     newRaw,
		DetectedAt:   now,
		UrgencyScore: services.UrgencyScore(changeType),
	}, nil
}

func marshalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`null`), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}
