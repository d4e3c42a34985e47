package app

import (
	"context"
	"time"

	"github.com/fasthttp/router"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"apmingest/internal/http/apierr"
	"apmingest/internal/http/handlers"
	appmw "apmingest/internal/http/middleware"
)

// Handler builds the routed HTTP handler with the global middleware chain.
func (a *App) Handler() fasthttp.RequestHandler {
	r := router.New()
	r.SaveMatchedRoutePath = true
	r.NotFound = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusNotFound, apierr.NotFound, "route not found", nil)
	}
	r.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		apierr.Write(ctx, fasthttp.StatusMethodNotAllowed, apierr.ValidationFailed, "method not allowed", nil)
	}

	logger := a.Logger.Named("http")
	gdb := a.DB

	// Ingestion: size check, credential, then rate limit.
	project := func(h fasthttp.RequestHandler) fasthttp.RequestHandler {
		return appmw.BodyLimit(a.Config.MaxBodyBytes)(
			appmw.ProjectAuth(gdb, logger)(
				appmw.RateLimit(a.Limiter, logger)(h)))
	}
	admin := appmw.AdminAuth(gdb)

	r.GET("/healthz", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	})

	r.POST("/events/errors", project(handlers.ErrorEvent(a.Ingest, logger)))
	r.POST("/events/performance", project(handlers.PerformanceEvent(a.Ingest, logger)))
	r.POST("/events/batch", project(handlers.BatchEvents(a.Ingest, logger)))
	r.POST("/releases", project(handlers.CreateRelease(gdb, logger)))

	r.GET("/v1/issues", project(handlers.ListIssues(a.Issues, logger)))
	r.GET("/v1/issues/{id}", project(handlers.IssueDetail(a.Issues, logger)))
	r.POST("/v1/issues/{id}/status", project(handlers.UpdateIssueStatus(a.Issues, logger)))
	r.GET("/v1/rollups", project(handlers.Rollups(a.Rollups, logger)))
	r.GET("/v1/queries", project(handlers.Queries(gdb, logger)))
	r.GET("/v1/incidents", project(handlers.Incidents(gdb, logger)))
	r.GET("/v1/notifications", project(handlers.Notifications(gdb, logger)))
	r.GET("/v1/metrics", handlers.ProjectMetricsHandler(gdb, a.Gatherer))

	r.GET("/metrics", admin(handlers.AllMetricsHandler(a.Gatherer)))
	r.POST("/admin/projects", admin(handlers.CreateProject(gdb, logger)))
	r.POST("/admin/projects/{id}/active", admin(handlers.SetProjectActive(gdb, logger)))
	r.POST("/admin/users", admin(handlers.CreateAdmin(gdb)))
	r.DELETE("/admin/users/{id}", admin(handlers.DeleteAdmin(gdb, a.Config.AdminUser)))
	r.POST("/admin/maintenance/recompute-fingerprints", admin(handlers.RecomputeFingerprints(a.Issues, logger)))
	r.POST("/admin/maintenance/cleanup", admin(handlers.CleanupEvents(gdb, a.Issues, logger)))

	// Global chain: recover, request logger, self-monitoring, then router.
	return appmw.Recover(logger)(
		appmw.RequestLogger(logger)(
			appmw.InternalReporting(a.Ingest, a.selfMonitor, a.Config.Env, logger)(r.Handler)))
}

// Serve runs the HTTP server, the queue consumers and the scheduler until
// ctx is done, then shuts them down.
func (a *App) Serve(ctx context.Context) error {
	sched, err := a.Scheduler()
	if err != nil {
		return err
	}

	srv := &fasthttp.Server{
		Handler:            a.Handler(),
		Name:               "apmingest",
		MaxRequestBodySize: a.Config.MaxBodyBytes,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        2 * time.Minute,
		ErrorHandler: func(ctx *fasthttp.RequestCtx, err error) {
			if errors.Is(err, fasthttp.ErrBodyTooLarge) {
				apierr.Write(ctx, fasthttp.StatusRequestEntityTooLarge, apierr.PayloadTooLarge, "request body too large", nil)
				return
			}
			apierr.Write(ctx, fasthttp.StatusBadRequest, apierr.ValidationFailed, "malformed request", nil)
		},
	}

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan error, 1)
	go func() { workersDone <- a.RunWorkers(workerCtx) }()
	sched.Start()

	serveErr := make(chan error, 1)
	go func() {
		a.Logger.Info("apmingest listening", zap.String("addr", a.Config.ListenAddr))
		serveErr <- srv.ListenAndServe(a.Config.ListenAddr)
	}()

	select {
	case err = <-serveErr:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
		err = srv.ShutdownWithContext(shutdownCtx)
		cancel()
	}

	sched.Stop()
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancelDrain()
	if werr := a.Queue.Shutdown(drainCtx, stopWorkers, workersDone); werr != nil && !errors.Is(werr, context.Canceled) && err == nil {
		err = werr
	}
	return err
}

// Work runs only the queue consumers and the scheduler.
func (a *App) Work(ctx context.Context) error {
	sched, err := a.Scheduler()
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	err = a.RunWorkers(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
