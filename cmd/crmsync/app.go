package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jacksonlee411/member-delta-sync/internal/config"
	"github.com/jacksonlee411/member-delta-sync/internal/membersync"
	"github.com/jacksonlee411/member-delta-sync/internal/tenantcreds"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/ports"
	"github.com/jacksonlee411/member-delta-sync/modules/members/infrastructure/memstore"
	"github.com/jacksonlee411/member-delta-sync/modules/members/infrastructure/persistence"
	"github.com/jacksonlee411/member-delta-sync/modules/members/services"
	"go.uber.org/zap"
)

// app holds the stores and services shared by the subcommands.
type app struct {
	cfg    config.Config
	logger *zap.Logger

	pool    *pgxpool.Pool
	pg      *persistence.PGStore
	members ports.MemberStore
	feed    ports.ChangeFeedStore
	runs    ports.SyncRunStore
	tenants ports.TenantSource
}

func openApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	switch cfg.Store.Driver {
	case config.StorePostgres:
		pc, err := pgxpool.ParseConfig(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("parse database url: %w", err)
		}
		if cfg.Store.MaxConns > 0 {
			pc.MaxConns = cfg.Store.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, pc)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.pool = pool
		a.pg = persistence.NewPGStore(pool)
		a.members, a.feed, a.runs = a.pg, a.pg, a.pg
	case config.StoreMemory:
		logger.Warn("using in-memory store: state is lost on exit")
		mem := memstore.New()
		a.members, a.feed, a.runs = mem, mem, mem
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	source, err := a.tenantSource(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.tenants = source
	return a, nil
}

func (a *app) tenantSource(ctx context.Context) (ports.TenantSource, error) {
	var source ports.TenantSource
	switch a.cfg.Tenants.Source {
	case config.TenantSourceFile:
		source = tenantcreds.FileSource{Path: a.cfg.Tenants.File}
	case config.TenantSourceStatic:
		source = tenantcreds.Static(a.cfg.Tenants.Static)
	case config.TenantSourcePostgres:
		if a.pg == nil {
			return nil, errors.New("postgres tenant source requires the postgres store")
		}
		source = a.pg
	default:
		return nil, fmt.Errorf("unknown tenant source %q", a.cfg.Tenants.Source)
	}

	if !a.cfg.Tenants.ResolveSecrets {
		return source, nil
	}
	api, err := tenantcreds.NewSecretsManagerAPI(ctx, a.cfg.Tenants.SecretsRegion)
	if err != nil {
		return nil, err
	}
	return tenantcreds.NewResolving(source, tenantcreds.NewSecretStore(api, a.cfg.Tenants.SecretsTTL.Std()), a.logger), nil
}

func (a *app) orchestrator() (*membersync.Orchestrator, error) {
	policy, err := a.cfg.ConflictPolicy()
	if err != nil {
		return nil, err
	}
	resolver, err := services.NewConflictResolver(policy)
	if err != nil {
		return nil, err
	}
	return membersync.New(membersync.Deps{
		Tenants:   a.tenants,
		Members:   a.members,
		Runs:      a.runs,
		Resolver:  resolver,
		NewClient: membersync.NewCRMClientFactory(a.cfg.CRMOptions(a.logger)),
		Logger:    a.logger,
	}, a.cfg.SyncOptions())
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
	_ = a.logger.Sync()
}
