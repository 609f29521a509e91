package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmehdipour/dispatch-batch/internal/app"
	httpSrv "github.com/jmehdipour/dispatch-batch/internal/http"
)

var withScheduler bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and the background scheduler unless disabled)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		deps := httpSrv.Deps{
			Recipients:      a.Resolver,
			Batches:         a.Batches,
			Driver:          a.Driver,
			Monitor:         a.Monitor,
			History:         a.History,
			Redis:           a.Redis,
			RateLimit:       cfg.RateLimit,
			DefaultDelayMin: cfg.Dispatch.DelayMin,
			DefaultDelayMax: cfg.Dispatch.DelayMax,
			DefaultCountry:  cfg.Recipients.DefaultCountry,
			Log:             log,
		}

		g, gctx := errgroup.WithContext(ctx)
		if withScheduler {
			sched := a.NewScheduler()
			deps.Scheduler = sched
			g.Go(func() error { return sched.Run(gctx) })
		}

		server := httpSrv.NewServer(deps)
		g.Go(func() error {
			if err := server.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})

		if err := g.Wait(); err != nil {
			log.Error("serve stopped", zap.Error(err))
			return err
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withScheduler, "scheduler", true, "run the background scheduler in this process")
}
