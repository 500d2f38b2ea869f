package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/careops/clinicflow/internal/config"
	v1 "github.com/careops/clinicflow/internal/handler/v1"
	"github.com/careops/clinicflow/internal/repository/postgres"
	"github.com/careops/clinicflow/internal/service"
	"github.com/careops/clinicflow/pkg/auth"
	"github.com/careops/clinicflow/pkg/database"
	"github.com/careops/clinicflow/pkg/logger"
	"github.com/careops/clinicflow/pkg/metrics"
	"github.com/careops/clinicflow/pkg/tracer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("starting",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("env", cfg.App.Environment),
	)

	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	if cfg.Tracing.Enabled {
		tp, err := tracer.Init(cfg.Tracing)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.Warn("tracer shutdown", zap.Error(err))
			}
		}()
	}

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(db, log); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	// Metric namespaces cannot contain hyphens, so this stays fixed
	// rather than derived from the app name.
	col := metrics.NewCollector("clinicflow")
	if err := database.InstrumentQueries(db, col); err != nil {
		return fmt.Errorf("instrument database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("unwrap sql.DB: %w", err)
	}
	defer sqlDB.Close()

	jwtManager := auth.NewJWTManager(cfg.JWT)

	txManager := postgres.NewTxManager(db)
	flowRepo := postgres.NewFlowStateRepository(db)
	historyRepo := postgres.NewFlowHistoryRepository(db)
	occupancyRepo := postgres.NewOccupancyRepository(db)
	appointmentRepo := postgres.NewAppointmentLookup(db)
	auditRepo := postgres.NewAuditRepository(db)
	userRepo := postgres.NewUserRepository(db)

	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			col.DBConnections.Set(float64(sqlDB.Stats().OpenConnections))

			counts, err := occupancyRepo.CountByStatus(context.Background())
			if err != nil {
				log.Warn("chair status rollup", zap.Error(err))
				continue
			}
			col.ChairsByStatus.Reset()
			for _, c := range counts {
				col.ChairsByStatus.WithLabelValues(string(c.Status)).Set(float64(c.Count))
			}
		}
	}()

	auditSvc := service.NewAuditService(auditRepo, log)
	auditSvc.OnDrop(col.AuditBufferDropped.Inc)
	auditSvc.OnPersist(col.AuditEntriesTotal.Inc)

	authSvc := service.NewAuthService(userRepo, jwtManager, log)
	flowSvc := service.NewFlowService(txManager, flowRepo, historyRepo, occupancyRepo, appointmentRepo, auditSvc, col, log)
	occupancySvc := service.NewOccupancyService(occupancyRepo, auditSvc, col, log)

	router := v1.NewRouter(v1.RouterDeps{
		Logger:     log,
		JWTManager: jwtManager,
		Metrics:    col,
		Auth:       v1.NewAuthHandler(authSvc),
		Flow:       v1.NewFlowHandler(flowSvc),
		Occupancy:  v1.NewOccupancyHandler(occupancySvc),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	auditSvc.Shutdown()

	log.Info("stopped")
	return nil
}
