package membersync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jacksonlee411/member-delta-sync/internal/crmclient"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/ports"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/jacksonlee411/member-delta-sync/modules/members/services"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 1
	DefaultPageSize    = 100
	DefaultPageDelay   = 300 * time.Millisecond
)

var ErrRunInProgress = errors.New("sync run already in progress")

// MemberLister is the part of the remote CRM client the sync needs.
type MemberLister interface {
	FetchMembers(ctx context.Context, page int, limit int, filters crmclient.MemberFilters) ([]types.RemoteMember, crmclient.Pagination, error)
}

// ClientFactory builds one client per tenant so quotas and caches never
// leak across tenants.
type ClientFactory func(tenant types.Tenant) (MemberLister, error)

// NewCRMClientFactory returns a factory for crmclient clients sharing base
// options. A tenant's own base_url overrides base.BaseURL.
func NewCRMClientFactory(base crmclient.Options) ClientFactory {
	return func(tenant types.Tenant) (MemberLister, error) {
		opts := base
		if u := strings.TrimSpace(tenant.BaseURL); u != "" {
			opts.BaseURL = u
		}
		opts.APIKey = tenant.APIKey
		opts.APISecret = tenant.APISecret
		if opts.Logger != nil {
			opts.Logger = opts.Logger.With(zap.String("tenant_id", tenant.ID))
		}
		return crmclient.New(opts)
	}
}

type Options struct {
	Concurrency int
	PageSize    int
	PageDelay   time.Duration
	// RunTimeout bounds a whole run; zero means only the caller's ctx applies.
	RunTimeout time.Duration
	Filters    crmclient.MemberFilters
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.PageDelay < 0 {
		o.PageDelay = 0
	}
	return o
}

type Deps struct {
	Tenants   ports.TenantSource
	Members   ports.MemberStore
	Runs      ports.SyncRunStore
	Resolver  *services.ConflictResolver
	NewClient ClientFactory
	Logger    *zap.Logger
}

type Orchestrator struct {
	tenants   ports.TenantSource
	members   ports.MemberStore
	runs      ports.SyncRunStore
	resolver  *services.ConflictResolver
	newClient ClientFactory
	opts      Options
	logger    *zap.Logger

	running atomic.Bool

	now   func() time.Time
	newID func() (string, error)
	sleep func(ctx context.Context, d time.Duration) error
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	if deps.Tenants == nil {
		return nil, errors.New("tenant source is required")
	}
	if deps.Members == nil {
		return nil, errors.New("member store is required")
	}
	if deps.Runs == nil {
		return nil, errors.New("sync run store is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("conflict resolver is required")
	}
	if deps.NewClient == nil {
		return nil, errors.New("client factory is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		tenants:   deps.Tenants,
		members:   deps.Members,
		runs:      deps.Runs,
		resolver:  deps.Resolver,
		newClient: deps.NewClient,
		opts:      opts.withDefaults(),
		logger:    logger,
		now:       time.Now,
		newID:     newUUIDv7,
		sleep:     sleepContext,
	}, nil
}

func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool { return o.running.Load() }

// RunDailySync reconciles every tenant with credentials and returns the
// finalized run result. The result is persisted even when the run fails.
func (o *Orchestrator) RunDailySync(ctx context.Context) (types.SyncRunResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return types.SyncRunResult{}, ErrRunInProgress
	}
	defer o.running.Store(false)

	runID, err := o.newID()
	if err != nil {
		return types.SyncRunResult{}, err
	}
	result := types.SyncRunResult{
		ID:        runID,
		Status:    types.SyncRunPending,
		StartedAt: o.now().UTC(),
		Errors:    []types.TenantError{},
		Tenants:   []types.TenantOutcome{},
	}
	logger := o.logger.With(zap.String("run_id", runID))
	o.saveRun(ctx, logger, result)

	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	result.Status = types.SyncRunRunning
	o.saveRun(ctx, logger, result)
	logger.Info("sync run started")

	tenants, err := o.tenants.ListSyncTenants(ctx)
	if err != nil {
		result.Status = types.SyncRunFailed
		result.Errors = append(result.Errors, types.TenantError{Message: "list tenants: " + err.Error()})
		result.FinishedAt = o.now().UTC()
		logger.Error("sync run failed", zap.Error(err))
		err = fmt.Errorf("list tenants: %w", err)
		if saveErr := o.runs.SaveSyncRun(context.WithoutCancel(ctx), result); saveErr != nil {
			return result, errors.Join(err, saveErr)
		}
		return result, err
	}

	var eligible []types.Tenant
	for _, t := range tenants {
		if !t.HasCredentials() {
			logger.Info("tenant skipped: credentials not configured", zap.String("tenant_id", t.ID))
			continue
		}
		eligible = append(eligible, t)
	}

	outcomes := make([]types.TenantOutcome, len(eligible))
	for i, t := range eligible {
		outcomes[i] = types.TenantOutcome{TenantID: t.ID, State: types.TenantNotAttempted}
	}

	var g errgroup.Group
	g.SetLimit(o.opts.Concurrency)
	for i, t := range eligible {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcomes[i] = o.syncTenant(ctx, logger, runID, t)
			return nil
		})
	}
	_ = g.Wait()

	for _, out := range outcomes {
		if out.State == types.TenantNotAttempted && out.Error == "" {
			out.Error = "not attempted"
			if cause := context.Cause(ctx); cause != nil {
				out.Error += ": " + cause.Error()
			}
		}
		if out.State == types.TenantProcessed {
			result.OrganizationsProcessed++
		} else {
			result.Errors = append(result.Errors, types.TenantError{TenantID: out.TenantID, Message: out.Error})
		}
		result.Created += out.Created
		result.Updated += out.Updated
		result.Deleted += out.Deleted
		result.Conflicts += out.Conflicts
		result.Tenants = append(result.Tenants, out)
	}

	result.Status = types.SyncRunCompleted
	if len(result.Errors) > 0 {
		result.Status = types.SyncRunPartialSuccess
	}
	result.FinishedAt = o.now().UTC()

	logger.Info("sync run finished",
		zap.String("status", string(result.Status)),
		zap.Int("organizations_processed", result.OrganizationsProcessed),
		zap.Int("created", result.Created),
		zap.Int("updated", result.Updated),
		zap.Int("deleted", result.Deleted),
		zap.Int("conflicts", result.Conflicts),
		zap.Int("errors", len(result.Errors)),
	)

	if err := o.runs.SaveSyncRun(context.WithoutCancel(ctx), result); err != nil {
		return result, fmt.Errorf("save sync run: %w", err)
	}
	return result, nil
}

func (o *Orchestrator) saveRun(ctx context.Context, logger *zap.Logger, run types.SyncRunResult) {
	if err := o.runs.SaveSyncRun(context.WithoutCancel(ctx), run); err != nil {
		logger.Warn("save sync run state failed", zap.String("status", string(run.Status)), zap.Error(err))
	}
}
