package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/detector"
)

// Monitor runs the sequential per-student classification loop: one frame at
// a time, in capture order, no reordering. It suspends only while waiting
// for the next frame; event delivery is decoupled through the emitter's
// bounded buffer so transport stalls never block classification.
type Monitor struct {
	classifier *Classifier
	debouncer  *Debouncer
	emitter    *Emitter
	logger     *zap.Logger

	frames     uint64
	violations uint64
}

// NewMonitor assembles the pipeline stages.
func NewMonitor(classifier *Classifier, debouncer *Debouncer, emitter *Emitter, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		classifier: classifier,
		debouncer:  debouncer,
		emitter:    emitter,
		logger:     logger,
	}
}

// Run consumes frames until the source closes or ctx is canceled.
func (m *Monitor) Run(ctx context.Context, frames <-chan detector.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				m.logger.Info("frame source closed",
					zap.Uint64("frames", m.frames),
					zap.Uint64("violations", m.violations),
					zap.Uint64("dropped_events", m.emitter.Dropped()))
				return
			}
			m.process(frame)
		}
	}
}

func (m *Monitor) process(frame detector.Frame) {
	m.frames++
	fv := ExtractFeatures(frame)
	obs := m.classifier.Classify(fv)
	ev := m.debouncer.Observe(obs)
	if ev == nil {
		return
	}
	if ev.Kind == EventConfirmed {
		m.violations++
		m.logger.Info("violation confirmed",
			zap.String("behavior", ev.Behavior.String()),
			zap.Float64("confidence", ev.Confidence),
			zap.Duration("duration", ev.Duration))
	}
	m.emitter.Emit(*ev)
}
