package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docflow/internal/api"
	"docflow/internal/auth"
	"docflow/internal/documents"
	"docflow/internal/logger"
	"docflow/internal/ratelimit"
	"docflow/internal/retrieval"
	"docflow/internal/service/ai"
	"docflow/internal/service/conversation"
	"docflow/internal/service/ingest"
	"docflow/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	scratchSweepInterval = 30 * time.Minute
	scratchMaxAge        = 6 * time.Hour
	limiterSweepInterval = time.Minute
	shutdownTimeout      = 15 * time.Second

	// document reader tool calls allowed per user and minute
	toolCallsPerMinute = 30
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "docflow",
	Short:         "Document ingestion and retrieval service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "config file (default $DOCFLOW_CONFIG or config.json)")
	rootCmd.PersistentFlags().String("db", "", "database driver: sqlite3 or mysql (default $DOCFLOW_DB or sqlite3)")
	rootCmd.AddCommand(serveCmd, migrateCmd, extractCmd, userCmd, sealCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cmd)
	},
}

func serve(ctx context.Context, cmd *cobra.Command) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()
	cfg := app.cfg
	log := app.log

	rdb := app.redis
	var limitStore ratelimit.Store
	switch cfg.Limits.Store {
	case "redis":
		if rdb == nil {
			return errors.New("limits.store is redis but redis is not enabled")
		}
		limitStore = ratelimit.NewRedisStore(rdb, "docflow:ratelimit:")
	default:
		mem := ratelimit.NewMemoryStore()
		mem.StartSweeper(ctx, limiterSweepInterval)
		limitStore = mem
	}
	limits := ratelimit.NewSet(cfg.Limits, limitStore, logger.Module(log, "ratelimit"))

	workers := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	}, logger.Module(log, "worker"))
	defer workers.Stop()

	ingestSvc, local, err := app.ingestService(ctx, ingest.WithWorkers(workers))
	if err != nil {
		return err
	}
	var objects api.ObjectServer
	if local != nil {
		objects = local
	}
	app.lifecycle.StartJanitor(ctx, scratchSweepInterval, scratchMaxAge)

	authSvc := auth.NewService(app.db, rdb, time.Duration(cfg.BasicConfig.TokenTTLHours)*time.Hour,
		auth.WithLogger(logger.Module(log, "auth")))
	authSvc.StartInvalidationListener(ctx)

	toolLimiter := ratelimit.NewLimiter("tool", toolCallsPerMinute, time.Minute, limitStore, logger.Module(log, "ratelimit"))
	generator, err := ai.NewGenerator(ctx, cfg.BasicConfig.Provider, cfg.Providers, toolLimiter, logger.Module(log, "ai"))
	if err != nil {
		return fmt.Errorf("init generator: %w", err)
	}

	repo := documents.NewRepository(app.db)
	handler := api.NewHandler(api.Deps{
		Auth:          authSvc,
		Ingest:        ingestSvc,
		Assembler:     retrieval.NewAssembler(repo, nil, logger.Module(log, "retrieval")),
		Generator:     generator,
		Conversations: conversation.NewService(app.db),
		Limits:        limits,
		Workers:       workers,
		Objects:       objects,
		DevMode:       cfg.BasicConfig.DevMode,
		SecureCookies: !cfg.BasicConfig.DevMode,
		Log:           logger.Module(log, "api"),
	})

	if !cfg.BasicConfig.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger.Module(log, "http")))
	handler.RegisterRoutes(router)

	srv := newHTTPServer(ctx, cfg.BasicConfig.ServerAddress, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newHTTPServer builds the server. Request contexts carry ctx's values but
// not its cancellation, so Shutdown can drain in-flight requests after a
// signal instead of failing them.
func newHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	base := context.WithoutCancel(ctx)
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
}

// requestLogger logs one line per request.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if uid, ok := auth.UserIDFromContext(c); ok {
			fields = append(fields, zap.Int64("user_id", uid))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Error("request", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}
