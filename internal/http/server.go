package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	gommonlog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jmehdipour/dispatch-batch/internal/config"
	"github.com/jmehdipour/dispatch-batch/internal/http/middleware"
	"github.com/jmehdipour/dispatch-batch/internal/metrics"
	"github.com/jmehdipour/dispatch-batch/internal/model"
	"github.com/jmehdipour/dispatch-batch/internal/repository"
	"github.com/jmehdipour/dispatch-batch/internal/service/driver"
)

type RecipientResolver interface {
	Resolve(ctx context.Context, sel model.Selection) ([]model.Recipient, error)
}

type BatchManager interface {
	CreateBatch(ctx context.Context, subject model.Subject, recipients []model.Recipient, delayMin, delayMax int) (string, error)
	GetProgress(ctx context.Context, id string) (model.Progress, error)
	SetStatus(ctx context.Context, id string, to model.BatchStatus) (bool, error)
	DeleteBatch(ctx context.Context, id string) error
	ListBatches(ctx context.Context, status string, limit int) ([]model.Batch, error)
	ListItems(ctx context.Context, id string, f model.ItemFilter) ([]model.QueueItem, error)
}

type Stepper interface {
	Step(ctx context.Context, batchID string) (driver.Outcome, error)
}

type Waker interface {
	Wake(batchID string)
}

type MonitorReporter interface {
	Report(ctx context.Context) (model.Report, error)
}

// Deps are the services behind the API. Scheduler, History and Redis are
// optional; their endpoints answer 503 (or skip limiting) when nil.
type Deps struct {
	Recipients RecipientResolver
	Batches    BatchManager
	Driver     Stepper
	Scheduler  Waker
	Monitor    MonitorReporter
	History    repository.CHItemsRepository
	Redis      *redis.Client

	RateLimit       config.RateLimitConfig
	DefaultDelayMin int
	DefaultDelayMax int
	DefaultCountry  string

	Log *zap.Logger
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(gommonlog.WARN)
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            d.RateLimit.RPS,
		KeyPrefix:      "dispatch:rl:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	v1 := e.Group("/v1", rlMW)
	v1.POST("/recipients/resolve", resolveRecipientsHandler(d.Recipients))

	v1.POST("/batches", createBatchHandler(d))
	v1.GET("/batches", listBatchesHandler(d.Batches))
	v1.GET("/batches/:id", getProgressHandler(d.Batches))
	v1.GET("/batches/:id/items", listItemsHandler(d.Batches))
	v1.POST("/batches/:id/status", setStatusHandler(d.Batches))
	v1.DELETE("/batches/:id", deleteBatchHandler(d.Batches))
	v1.POST("/batches/:id/process", processHandler(d.Driver))
	v1.POST("/batches/:id/run", runHandler(d.Batches, d.Scheduler))

	v1.GET("/monitor", monitorHandler(d.Monitor))
	v1.GET("/reports/items", listItemHistoryHandler(d.History, d.DefaultCountry))

	return &Server{e: e, log: d.Log.Named("http")}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }
