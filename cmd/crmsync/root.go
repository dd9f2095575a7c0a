package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jacksonlee411/member-delta-sync/internal/changefeed"
	"github.com/jacksonlee411/member-delta-sync/internal/config"
	"github.com/jacksonlee411/member-delta-sync/internal/logging"
	"github.com/jacksonlee411/member-delta-sync/internal/membersync"
	"github.com/jacksonlee411/member-delta-sync/modules/members/domain/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	ConfigPath string
	LogLevel   string

	cfg    config.Config
	logger *zap.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "crmsync",
		Short:         "Multi-tenant CRM member delta sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv(opts.ConfigPath)
			if err != nil {
				return err
			}
			if lvl := strings.TrimSpace(opts.LogLevel); lvl != "" {
				cfg.Log.Level = lvl
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			opts.logger = logger
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to config file (default $CRMSYNC_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override log level (debug|info|warn|error)")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPollCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))
	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one sync pass over every tenant and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := openApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			res, err := orch.RunDailySync(ctx)
			if err != nil {
				return err
			}
			if res.Status != types.SyncRunCompleted {
				return errors.New("sync run finished with status " + string(res.Status))
			}
			return nil
		},
	}
}

func newPollCommand(opts *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "poll",
		Short: "Run the sync now and then every sync.interval until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := openApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if interval <= 0 {
				interval = opts.cfg.Sync.Interval.Std()
			}
			poll(ctx, interval, orch, opts.logger)
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between runs (default sync.interval)")
	return cmd
}

type syncRunner interface {
	RunDailySync(ctx context.Context) (types.SyncRunResult, error)
}

// poll runs once immediately, then on every tick until ctx ends.
func poll(ctx context.Context, interval time.Duration, runner syncRunner, logger *zap.Logger) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	runOnce := func() {
		res, err := runner.RunDailySync(ctx)
		switch {
		case errors.Is(err, membersync.ErrRunInProgress):
			logger.Info("sync run skipped: previous run still active")
		case err != nil:
			logger.Error("sync run error", zap.String("run_id", res.ID), zap.Error(err))
		}
	}

	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string
	var withPoller bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the change feed API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := openApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			orch, err := a.orchestrator()
			if err != nil {
				return err
			}
			if withPoller {
				go poll(ctx, opts.cfg.Sync.Interval.Std(), orch, opts.logger)
			}

			if addr == "" {
				addr = opts.cfg.HTTP.Addr
			}
			gin.SetMode(gin.ReleaseMode)
			srv := &http.Server{
				Addr: addr,
				Handler: changefeed.NewRouter(&changefeed.Handler{
					Feed:        a.feed,
					Runs:        a.runs,
					Runner:      orch,
					BaseContext: ctx,
					Logger:      opts.logger,
				}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				opts.logger.Info("change feed listening", zap.String("addr", addr))
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default http.addr)")
	cmd.Flags().BoolVar(&withPoller, "with-poller", false, "also run the sync every sync.interval")
	return cmd
}

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.cfg.Store.Driver != config.StorePostgres {
				return errors.New("migrate requires store.driver postgres")
			}
			a, err := openApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.pg.ApplySchema(cmd.Context()); err != nil {
				return err
			}
			opts.logger.Info("schema applied")
			return nil
		},
	}
}
