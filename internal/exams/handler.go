package exams

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/focusguard/proctor/internal/middleware"
	"github.com/focusguard/proctor/pkg/response"
)

// CreateRequest is the body for POST /exams.
type CreateRequest struct {
	Name          string `json:"name" binding:"required"`
	Code          string `json:"code"` // optional, auto-generated when empty
	MaxViolations int    `json:"max_violations"`
}

// Handler handles the exam administration HTTP endpoints. Lifecycle and live
// standing go through the manager; history and reports through the repository.
type Handler struct {
	mgr    *Manager
	repo   *Repository
	logger *zap.Logger
}

// NewHandler creates an exams handler.
func NewHandler(mgr *Manager, repo *Repository, logger *zap.Logger) *Handler {
	return &Handler{mgr: mgr, repo: repo, logger: logger}
}

// Create handles POST /exams.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}

	createdBy, _ := c.Get(middleware.ContextUserID)
	creatorID, _ := createdBy.(uuid.UUID)

	exam, err := h.mgr.Create(c.Request.Context(), req.Name, creatorID, req.Code, req.MaxViolations)
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			response.Conflict(c, "exam code already in use")
			return
		}
		response.Internal(c, "failed to create exam")
		return
	}
	response.Created(c, exam)
}

// Start handles POST /exams/:code/start.
func (h *Handler) Start(c *gin.Context) {
	exam, err := h.mgr.Start(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	response.OK(c, exam)
}

// End handles POST /exams/:code/end.
func (h *Handler) End(c *gin.Context) {
	exam, err := h.mgr.End(c.Request.Context(), c.Param("code"))
	if err != nil {
		h.lifecycleError(c, err)
		return
	}
	response.OK(c, exam)
}

// List handles GET /exams.
func (h *Handler) List(c *gin.Context) {
	response.OK(c, h.mgr.List())
}

// Get handles GET /exams/:code. Live sessions win; an exam only present in
// the database (from a previous process) is served from there.
func (h *Handler) Get(c *gin.Context) {
	exam, err := h.mgr.Get(c.Param("code"))
	if err == nil {
		response.OK(c, exam)
		return
	}
	if h.repo != nil {
		stored, err := h.repo.GetExamByCode(c.Request.Context(), c.Param("code"))
		if err == nil {
			response.OK(c, stored)
			return
		}
	}
	response.NotFound(c, "exam not found")
}

// Participants handles GET /exams/:code/participants.
func (h *Handler) Participants(c *gin.Context) {
	list, err := h.mgr.Participants(c.Param("code"))
	if err != nil {
		response.NotFound(c, "exam not found")
		return
	}
	response.OK(c, list)
}

// Violations handles GET /exams/:code/violations.
func (h *Handler) Violations(c *gin.Context) {
	exam, err := h.examID(c)
	if err != nil {
		response.NotFound(c, "exam not found")
		return
	}
	list, err := h.repo.ListViolations(c.Request.Context(), exam)
	if err != nil {
		h.logger.Error("list violations failed", zap.Error(err))
		response.Internal(c, "failed to list violations")
		return
	}
	response.OK(c, list)
}

// Report handles GET /exams/:code/report.
func (h *Handler) Report(c *gin.Context) {
	exam, err := h.examID(c)
	if err != nil {
		response.NotFound(c, "exam not found")
		return
	}
	report, err := h.repo.Report(c.Request.Context(), exam)
	if err != nil {
		h.logger.Error("build report failed", zap.Error(err))
		response.Internal(c, "failed to build report")
		return
	}
	response.OK(c, report)
}

func (h *Handler) examID(c *gin.Context) (uuid.UUID, error) {
	if exam, err := h.mgr.Get(c.Param("code")); err == nil {
		return exam.ID, nil
	}
	stored, err := h.repo.GetExamByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		return uuid.Nil, err
	}
	return stored.ID, nil
}

func (h *Handler) lifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "exam not found")
	case errors.Is(err, ErrInvalidState):
		response.Conflict(c, "exam is not in a valid state for this operation")
	default:
		h.logger.Error("exam lifecycle operation failed", zap.Error(err))
		response.Internal(c, "operation failed")
	}
}

// RegisterRoutes mounts the exam admin API under the given group. All routes
// require a proctor (teacher or admin) token.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/exams", h.Create)
	rg.GET("/exams", h.List)
	rg.GET("/exams/:code", h.Get)
	rg.POST("/exams/:code/start", h.Start)
	rg.POST("/exams/:code/end", h.End)
	rg.GET("/exams/:code/participants", h.Participants)
	rg.GET("/exams/:code/violations", h.Violations)
	rg.GET("/exams/:code/report", h.Report)
}
