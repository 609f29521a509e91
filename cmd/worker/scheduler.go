package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmehdipour/dispatch-batch/internal/app"
	"github.com/jmehdipour/dispatch-batch/internal/config"
	"github.com/jmehdipour/dispatch-batch/internal/kafka"
	"github.com/jmehdipour/dispatch-batch/internal/logger"
	"github.com/jmehdipour/dispatch-batch/internal/metrics"
	"github.com/jmehdipour/dispatch-batch/internal/worker"
)

func newSchedulerCmd() *cobra.Command {
	var (
		metricsAddr string
		noTrigger   bool
	)
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Advance active batches in the background; wakes on batch-created events from Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd, metricsAddr, !noTrigger)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9102", "address of the /metrics endpoint (empty disables it)")
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "do not consume batch-created events even when kafka.brokers is set")
	return cmd
}

func runScheduler(cmd *cobra.Command, metricsAddr string, withTrigger bool) error {
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if cfg.Store.Driver == "memory" {
		log.Warn("memory store is private to this process; batches created through the API are not visible here")
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := a.NewScheduler()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })

	if withTrigger && len(cfg.Kafka.Brokers) > 0 {
		consumer := kafka.NewConsumer(cfg.Kafka)
		defer consumer.Close()
		trigger := worker.NewTrigger(consumer, sched, log)
		g.Go(func() error { return trigger.Run(gctx) })
		log.Info("kafka trigger enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}
