package evidence

import (
	"io"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/exams"
	"github.com/focusguard/proctor/internal/middleware"
	"github.com/focusguard/proctor/pkg/queue"
	"github.com/focusguard/proctor/pkg/response"
	"github.com/focusguard/proctor/pkg/storage"
)

// Handler receives evidence snapshots from student clients, spools them to
// local disk and queues the S3 upload for the worker. The HTTP request
// returns as soon as the bytes are on disk.
type Handler struct {
	spoolDir string
	queue    *queue.Queue
	mgr      *exams.Manager
	logger   *zap.Logger
}

// NewHandler creates an evidence intake handler. spoolDir is created if missing.
func NewHandler(spoolDir string, q *queue.Queue, mgr *exams.Manager, logger *zap.Logger) (*Handler, error) {
	if err := os.MkdirAll(spoolDir, 0o755); err != nil {
		return nil, err
	}
	return &Handler{spoolDir: spoolDir, queue: q, mgr: mgr, logger: logger}, nil
}

// Upload handles POST /evidence?exam_code=&ref=. Requires a student token;
// the student identity comes from the JWT, not the query.
func (h *Handler) Upload(c *gin.Context) {
	examCode := c.Query("exam_code")
	ref := c.Query("ref")
	if examCode == "" || ref == "" {
		response.BadRequest(c, "exam_code and ref required")
		return
	}
	if _, err := uuid.Parse(ref); err != nil {
		response.BadRequest(c, "ref must be a UUID")
		return
	}
	contentType := c.ContentType()
	if !storage.ValidateEvidenceType(contentType, "") {
		response.BadRequest(c, "unsupported evidence content type")
		return
	}

	exam, err := h.mgr.Get(examCode)
	if err != nil {
		response.NotFound(c, "exam not found")
		return
	}
	userID, _ := c.Get(middleware.ContextUserID)
	studentID, _ := userID.(uuid.UUID)

	path := filepath.Join(h.spoolDir, ref+storage.ExtensionForContentType(contentType))
	f, err := os.Create(path)
	if err != nil {
		h.logger.Error("evidence spool create failed", zap.Error(err))
		response.Internal(c, "failed to store evidence")
		return
	}
	written, err := io.Copy(f, io.LimitReader(c.Request.Body, storage.MaxEvidenceFileSize+1))
	closeErr := f.Close()
	if err != nil || closeErr != nil {
		_ = os.Remove(path)
		response.Internal(c, "failed to store evidence")
		return
	}
	if written == 0 || written > storage.MaxEvidenceFileSize {
		_ = os.Remove(path)
		response.BadRequest(c, "evidence size out of bounds")
		return
	}

	err = h.queue.EnqueueEvidenceUpload(c.Request.Context(), queue.EvidenceUploadPayload{
		ExamCode:    exam.Code,
		ExamID:      exam.ID,
		StudentID:   studentID,
		EvidenceRef: ref,
		Path:        path,
		ContentType: contentType,
	})
	if err != nil {
		// The file stays spooled; a sweep can requeue it later.
		h.logger.Error("evidence enqueue failed", zap.String("evidence_ref", ref), zap.Error(err))
	}
	response.Accepted(c, gin.H{"evidence_ref": ref})
}
