package services

import (
	"strings"
	"time"

	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/pkg/syncerr"
)

const DefaultRecencyWindow = 24 * time.Hour

// ConflictPolicy decides, per field, how a local/remote disagreement is
// resolved. Fields without an override use DefaultStrategy.
type ConflictPolicy struct {
	DefaultStrategy types.Strategy
	FieldStrategies map[types.Field]types.Strategy
	RecencyWindow   time.Duration
	ReviewRules     []ReviewRule
}

func DefaultConflictPolicy() ConflictPolicy {
	return ConflictPolicy{
		DefaultStrategy: types.StrategyRemoteWins,
		FieldStrategies: map[types.Field]types.Strategy{
			types.FieldPhone:         types.StrategyNewestWins,
			types.FieldEmail:         types.StrategyNewestWins,
			types.FieldAddress:       types.StrategyManualReview,
			types.FieldMaritalStatus: types.StrategyManualReview,
		},
		RecencyWindow: DefaultRecencyWindow,
	}
}

func (p ConflictPolicy) Validate() error {
	if !p.DefaultStrategy.Valid() {
		return syncerr.Policy("unknown default strategy %q", p.DefaultStrategy)
	}
	for f, s := range p.FieldStrategies {
		if !types.IsTrackedField(f) {
			return syncerr.Policy("unknown field %q in conflict policy", f)
		}
		if !s.Valid() {
			return syncerr.Policy("unknown strategy %q for field %q", s, f)
		}
	}
	if p.RecencyWindow <= 0 {
		return syncerr.Policy("recency window must be positive")
	}
	return nil
}

func (p ConflictPolicy) StrategyFor(f types.Field) types.Strategy {
	if s, ok := p.FieldStrategies[f]; ok {
		return s
	}
	return p.DefaultStrategy
}

type ConflictCheck struct {
	Conflict bool
	Reasons  []string
}

type AppliedChange struct {
	Change   types.FieldChange
	Strategy types.Strategy
}

type Resolution struct {
	Member   types.Member
	Applied  []AppliedChange
	Conflict bool
	Report   *types.ConflictReport
}

type ConflictResolver struct {
	policy ConflictPolicy
	rules  []compiledReviewRule
	now    func() time.Time
}

func NewConflictResolver(policy ConflictPolicy) (*ConflictResolver, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	rules, err := compileReviewRules(policy.ReviewRules)
	if err != nil {
		return nil, err
	}
	fs := make(map[types.Field]types.Strategy, len(policy.FieldStrategies))
	for f, s := range policy.FieldStrategies {
		fs[f] = s
	}
	policy.FieldStrategies = fs
	return &ConflictResolver{policy: policy, rules: rules, now: time.Now}, nil
}

func (r *ConflictResolver) Policy() ConflictPolicy { return r.policy }

// CheckForConflicts reports whether the change set needs human review.
func (r *ConflictResolver) CheckForConflicts(local types.Member, changes []types.FieldChange) (ConflictCheck, error) {
	if strings.TrimSpace(local.TenantID) == "" {
		return ConflictCheck{}, syncerr.Validation("local member tenant_id is required", nil)
	}
	if len(changes) == 0 {
		return ConflictCheck{}, nil
	}

	var reasons []string
	if r.hasRecentLocalEdit(local) {
		reasons = append(reasons, types.ConflictReasonRecentLocalEdit)
	}
	for _, c := range changes {
		if r.policy.StrategyFor(c.Field) == types.StrategyManualReview {
			reasons = append(reasons, types.ConflictReasonManualReview+":"+string(c.Field))
		}
	}
	if len(r.rules) > 0 {
		activation := reviewRuleActivation(local.TenantID, changes)
		for _, rule := range r.rules {
			ok, err := rule.matches(activation)
			if err != nil {
				return ConflictCheck{}, err
			}
			if ok {
				reasons = append(reasons, types.ConflictReasonReviewRule+":"+rule.id)
			}
		}
	}
	return ConflictCheck{Conflict: len(reasons) > 0, Reasons: reasons}, nil
}

// hasRecentLocalEdit requires both a recent updated_at and a direct user edit
// that happened inside the window and after the last sync wrote the record.
func (r *ConflictResolver) hasRecentLocalEdit(local types.Member) bool {
	now := r.now()
	window := r.policy.RecencyWindow
	if local.UpdatedAt.IsZero() || now.Sub(local.UpdatedAt) > window {
		return false
	}
	if local.LocalEditedAt == nil || now.Sub(*local.LocalEditedAt) > window {
		return false
	}
	if local.LastSyncedAt != nil && !local.LocalEditedAt.After(*local.LastSyncedAt) {
		return false
	}
	return true
}

// Resolve applies the per-field strategies to changes and returns the
// resolved member. Applied lists only the changes that mutate the record.
func (r *ConflictResolver) Resolve(local types.Member, remote types.RemoteMember, changes []types.FieldChange) (Resolution, error) {
	check, err := r.CheckForConflicts(local, changes)
	if err != nil {
		return Resolution{}, err
	}

	resolved := local
	var applied []AppliedChange
	var fields []types.ConflictField
	for _, c := range changes {
		strategy := r.policy.StrategyFor(c.Field)
		winner := r.winner(strategy, local, remote)
		if winner == types.SideRemote {
			resolved.SetValue(c.Field, c.NewValue)
			applied = append(applied, AppliedChange{Change: c, Strategy: strategy})
		}
		fields = append(fields, types.ConflictField{
			Field:       c.Field,
			Local:       c.OldValue,
			Remote:      c.NewValue,
			Strategy:    strategy,
			Recommended: r.recommend(strategy, winner, local, remote),
		})
	}

	out := Resolution{Member: resolved, Applied: applied, Conflict: check.Conflict}
	if check.Conflict {
		out.Report = &types.ConflictReport{
			TenantID:        local.TenantID,
			PersonID:        local.ID,
			ExternalID:      local.ExternalIDValue(),
			LocalValues:     local.Values(),
			RemoteValues:    remote.Values(),
			LocalUpdatedAt:  local.UpdatedAt,
			RemoteUpdatedAt: remote.UpdatedAt,
			Reasons:         check.Reasons,
			Significance:    ClassifySignificance(changes),
			Fields:          fields,
			CreatedAt:       r.now().UTC(),
		}
	}
	return out, nil
}

func (r *ConflictResolver) winner(strategy types.Strategy, local types.Member, remote types.RemoteMember) types.Side {
	switch strategy {
	case types.StrategyLocalWins:
		return types.SideLocal
	case types.StrategyNewestWins:
		return newestSide(local, remote)
	default:
		// remote_wins, and manual_review provisionally.
		return types.SideRemote
	}
}

func (r *ConflictResolver) recommend(strategy types.Strategy, winner types.Side, local types.Member, remote types.RemoteMember) types.Side {
	if strategy == types.StrategyManualReview {
		return newestSide(local, remote)
	}
	return winner
}

// newestSide prefers remote unless the local record is strictly newer than a
// timestamp the remote provided.
func newestSide(local types.Member, remote types.RemoteMember) types.Side {
	if remote.UpdatedAt == nil {
		return types.SideRemote
	}
	if local.UpdatedAt.After(*remote.UpdatedAt) {
		return types.SideLocal
	}
	return types.SideRemote
}
