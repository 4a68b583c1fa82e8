// Package worker runs the background job loop: evidence snapshots from the
// spool directory to S3, and report generation when exams end.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/exams"
	"github.com/focusguard/proctor/pkg/queue"
	"github.com/focusguard/proctor/pkg/storage"
)

// Processor consumes jobs from the queue: uploads spooled evidence files to
// S3 and attaches the object URL to the matching violation row.
type Processor struct {
	repo   *exams.Repository
	s3     *storage.S3
	queue  *queue.Queue
	logger *zap.Logger
}

// NewProcessor creates a job processor.
func NewProcessor(repo *exams.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{repo: repo, s3: s3, queue: q, logger: logger}
}

// Process executes one job.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeEvidenceUpload:
		return p.processEvidence(ctx, job)
	case queue.JobTypeReport:
		return p.processReport(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

func (p *Processor) processEvidence(ctx context.Context, job *queue.Job) error {
	var payload queue.EvidenceUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	f, err := os.Open(payload.Path)
	if err != nil {
		// Spool file gone means a previous attempt finished or the disk was
		// cleaned; nothing left to do.
		if os.IsNotExist(err) {
			p.logger.Warn("spooled evidence missing, skipping",
				zap.String("evidence_ref", payload.EvidenceRef), zap.String("path", payload.Path))
			return nil
		}
		return fmt.Errorf("open spool file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat spool file: %w", err)
	}

	key := storage.EvidenceKey(payload.ExamCode, payload.EvidenceRef, payload.ContentType)
	s3URL, err := p.s3.Upload(ctx, key, payload.ContentType, f, info.Size())
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.repo.UpdateViolationEvidence(ctx, payload.EvidenceRef, s3URL); err != nil {
		p.logger.Error("attach evidence url failed", zap.Error(err),
			zap.String("evidence_ref", payload.EvidenceRef))
		return fmt.Errorf("update db: %w", err)
	}

	if err := os.Remove(payload.Path); err != nil {
		p.logger.Warn("remove spool file failed", zap.Error(err), zap.String("path", payload.Path))
	}
	p.logger.Info("evidence upload completed",
		zap.String("evidence_ref", payload.EvidenceRef), zap.String("s3_key", key))
	return nil
}

func (p *Processor) processReport(ctx context.Context, job *queue.Job) error {
	var payload queue.ReportPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	report, err := p.repo.Report(ctx, payload.ExamID)
	if err != nil {
		return fmt.Errorf("build report: %w", err)
	}
	flagged := 0
	for _, r := range report {
		if r.Flagged {
			flagged++
		}
	}
	p.logger.Info("exam report generated",
		zap.String("exam_code", payload.ExamCode),
		zap.Int("students", len(report)),
		zap.Int("flagged", flagged))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *Processor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return
		default:
		}

		job, queueKey, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job, queueKey); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
			continue
		}
	}
}
