// Package main runs the student-side monitoring client: it consumes landmark
// frames from the detector, classifies and debounces behaviors, and streams
// confirmed violations to the exam server over WebSocket.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/focusguard/proctor/config"
	"github.com/focusguard/proctor/internal/detector"
	"github.com/focusguard/proctor/internal/evidence"
	"github.com/focusguard/proctor/internal/pipeline"
	"github.com/focusguard/proctor/internal/protocol"
	"github.com/focusguard/proctor/internal/wsclient"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Client.ExamCode == "" || cfg.Client.Token == "" {
		logger.Fatal("CLIENT_EXAM_CODE and CLIENT_TOKEN are required")
	}
	if cfg.Client.LandmarksPath == "" {
		logger.Fatal("CLIENT_LANDMARKS_PATH is required")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pipeline context ends when the session ends; the root context keeps the
	// connection alive through the flush grace period.
	pipeCtx, pipeCancel := context.WithCancel(rootCtx)
	defer pipeCancel()

	var endOnce sync.Once
	sessionEnded := make(chan struct{})

	client := wsclient.New(wsclient.Options{
		ServerURL:         cfg.Client.ServerURL,
		ExamCode:          cfg.Client.ExamCode,
		Token:             cfg.Client.Token,
		HeartbeatInterval: time.Duration(cfg.Proctoring.HeartbeatSeconds) * time.Second,
		ReconnectDelay:    time.Duration(cfg.Client.ReconnectSeconds) * time.Second,
		OnSessionState: func(state protocol.SessionState) {
			if state.State == "ended" {
				endOnce.Do(func() { close(sessionEnded) })
			}
		},
	}, logger)

	uploader := evidence.NewUploader(
		httpBase(cfg.Client.ServerURL),
		cfg.Client.ExamCode,
		cfg.Client.Token,
		snapshotFunc(cfg.Client.SnapshotPath),
		logger,
	)

	thresholds := pipeline.DefaultThresholds()
	thresholds.YawDegrees = cfg.Proctoring.YawDegrees
	thresholds.PitchDegrees = cfg.Proctoring.PitchDegrees
	thresholds.GazeOffset = cfg.Proctoring.GazeOffset
	thresholds.GazeVertical = cfg.Proctoring.GazeVertical

	classifier := pipeline.NewClassifier(thresholds)
	debouncer := pipeline.NewDebouncer(
		cfg.Proctoring.ConfirmFrames,
		time.Duration(cfg.Proctoring.ReemitSeconds)*time.Second,
	)
	emitter := pipeline.NewEmitter(cfg.Proctoring.EventBufferSize, uploader, logger)
	monitor := pipeline.NewMonitor(classifier, debouncer, emitter, logger)

	source := detector.NewReplay(cfg.Client.LandmarksPath, cfg.Client.FPS, true, logger)
	if err := source.Start(); err != nil {
		logger.Fatal("frame source", zap.Error(err))
	}
	defer source.Close()

	go client.Run(rootCtx)
	go emitter.Run(pipeCtx, client.SendViolation)

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		monitor.Run(pipeCtx, source.Frames())
	}()

	select {
	case <-rootCtx.Done():
		logger.Info("interrupted, shutting down")
	case <-sessionEnded:
		logger.Info("exam ended, flushing buffered events",
			zap.Int("grace_seconds", cfg.Proctoring.EndGraceSeconds))
	case <-monitorDone:
		logger.Info("frame source exhausted")
	}

	pipeCancel()
	<-monitorDone

	// Best-effort flush of unsent events within the grace window; whatever
	// cannot be delivered is dropped and counted.
	graceCtx, graceCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Proctoring.EndGraceSeconds)*time.Second)
	emitter.Flush(graceCtx, client.SendViolation)
	graceCancel()
	uploader.Wait()

	logger.Info("client stopped",
		zap.Int("pending_events", emitter.Pending()),
		zap.Uint64("dropped_events", emitter.Dropped()))
}

// httpBase converts the configured WebSocket URL to the HTTP base used by the
// evidence endpoint.
func httpBase(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "wss://"):
		return "https://" + strings.TrimPrefix(serverURL, "wss://")
	case strings.HasPrefix(serverURL, "ws://"):
		return "http://" + strings.TrimPrefix(serverURL, "ws://")
	default:
		return serverURL
	}
}

// snapshotFunc reads the latest webcam frame written by the capture process.
// An empty path disables evidence capture.
func snapshotFunc(path string) evidence.SnapshotFunc {
	if path == "" {
		return nil
	}
	contentType := "image/jpeg"
	if strings.EqualFold(filepath.Ext(path), ".png") {
		contentType = "image/png"
	}
	return func(at time.Time) ([]byte, string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", err
		}
		return data, contentType, nil
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
