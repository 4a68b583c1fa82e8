// Package main runs the proctoring server: exam administration API, student
// and dashboard WebSocket channels, and evidence intake, with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/focusguard/proctor/config"
	"github.com/focusguard/proctor/internal/auth"
	"github.com/focusguard/proctor/internal/evidence"
	"github.com/focusguard/proctor/internal/exams"
	"github.com/focusguard/proctor/internal/middleware"
	"github.com/focusguard/proctor/internal/models"
	"github.com/focusguard/proctor/internal/realtime"
	"github.com/focusguard/proctor/pkg/database"
	"github.com/focusguard/proctor/pkg/queue"
	"github.com/focusguard/proctor/pkg/redis"
	"github.com/focusguard/proctor/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	sfu := realtime.NewSFU(logger, realtime.ParseICEServers(cfg.WebRTC.ICEUrls))

	// Auth
	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	// Exams: live session registry, violation aggregation, admin API
	examRepo := exams.NewRepository(pool)
	mgr := exams.NewManager(examRepo, logger)
	agg := exams.NewAggregator(mgr, examRepo, hub, logger)
	examHandler := exams.NewHandler(mgr, examRepo, logger)

	// Evidence intake and the upload queue drained by cmd/worker
	jobQueue := queue.NewQueue(rdb.Client, logger)
	evidenceHandler, err := evidence.NewHandler(cfg.Proctoring.EvidenceSpoolDir, jobQueue, mgr, logger)
	if err != nil {
		logger.Fatal("evidence spool", zap.Error(err))
	}

	endGrace := time.Duration(cfg.Proctoring.EndGraceSeconds) * time.Second
	mgr.SetStateChangeHandler(func(exam models.Exam, reason string) {
		hub.BroadcastSessionState(exam, reason)
		if exam.State == models.ExamEnded {
			// Students get the grace window to flush buffered events before
			// the server closes their connections.
			hub.DisconnectStudents(exam.Code, endGrace)
			if err := jobQueue.EnqueueReport(ctx, queue.ReportPayload{
				ExamID:   exam.ID,
				ExamCode: exam.Code,
			}); err != nil {
				logger.Warn("enqueue report failed", zap.Error(err))
			}
		}
	})

	jwtValidate := func(token string) (uuid.UUID, string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return uuid.Nil, "", err
		}
		return claims.UserID, claims.Role, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	authGroup := router.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/register", authHandler.Register)
	}

	// Protected API (JWT required)
	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService))
	{
		api.GET("/users", middleware.RequireRole("admin"), authHandler.List)

		// Exam administration (proctors only)
		admin := api.Group("")
		admin.Use(middleware.RequireRole("teacher", "admin"))
		examHandler.RegisterRoutes(admin)

		// Evidence intake (students)
		api.POST("/evidence", middleware.RequireRole("student"), evidenceHandler.Upload)
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws/exam", realtime.ServeStudentWs(hub, mgr, agg, sfu, jwtValidate, logger))
	router.GET("/ws/dashboard", realtime.ServeDashboardWs(hub, mgr, sfu, jwtValidate, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Heartbeat sweep for students whose pipeline went silent
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	heartbeat := realtime.NewHeartbeatMonitor(mgr, hub,
		time.Duration(cfg.Proctoring.HeartbeatSeconds)*time.Second,
		time.Duration(cfg.Proctoring.StaleAfterSeconds)*time.Second,
		logger)
	go heartbeat.Run(sweepCtx)

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	sweepCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
