package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/office-hours-api/internal/models"
	"github.com/noah-isme/office-hours-api/internal/service"
	appErrors "github.com/noah-isme/office-hours-api/pkg/errors"
	"github.com/noah-isme/office-hours-api/pkg/response"
)

// QueueService is the queue engine surface the handler consumes.
type QueueService interface {
	Join(ctx context.Context, studentID string, req service.JoinQueueRequest) (*service.JoinQueueResult, error)
	GetQueue(ctx context.Context, instructorID string) (*models.QueueSnapshot, error)
	GetMyStatus(ctx context.Context, instructorID, studentID string) (*models.StudentQueueStatus, error)
	Admit(ctx context.Context, instructorID, queueID string) (*models.QueueEntry, error)
	Complete(ctx context.Context, instructorID, queueID string) (*models.QueueEntry, error)
	Cancel(ctx context.Context, callerID string, role models.UserRole, queueID string) error
}

// QueueExportService renders queue history downloads.
type QueueExportService interface {
	QueueHistory(ctx context.Context, instructorID, format string, limit int) (*service.ExportResult, error)
}

// QueueHandler manages office hours queue endpoints.
type QueueHandler struct {
	service QueueService
	export  QueueExportService
}

// NewQueueHandler constructs handler.
func NewQueueHandler(svc QueueService, exportSvc QueueExportService) *QueueHandler {
	return &QueueHandler{service: svc, export: exportSvc}
}

// Join godoc
// @Summary Join an instructor's queue
// @Tags Queue
// @Accept json
// @Produce json
// @Param payload body service.JoinQueueRequest true "Join payload"
// @Success 201 {object} response.Envelope
// @Router /queue/join [post]
func (h *QueueHandler) Join(c *gin.Context) {
	var req service.JoinQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	result, err := h.service.Join(c.Request.Context(), claims.UserID, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Get godoc
// @Summary Get an instructor's queue with derived positions and stats
// @Tags Queue
// @Produce json
// @Param instructorId path string true "Instructor ID"
// @Success 200 {object} response.Envelope
// @Router /instructors/{instructorId}/queue [get]
func (h *QueueHandler) Get(c *gin.Context) {
	snapshot, err := h.service.GetQueue(c.Request.Context(), c.Param("instructorId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, snapshot, nil)
}

// MyStatus godoc
// @Summary Get the caller's own entry in an instructor's queue
// @Tags Queue
// @Produce json
// @Param instructorId path string true "Instructor ID"
// @Success 200 {object} response.Envelope
// @Router /instructors/{instructorId}/queue/me [get]
func (h *QueueHandler) MyStatus(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	status, err := h.service.GetMyStatus(c.Request.Context(), c.Param("instructorId"), claims.UserID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Admit godoc
// @Summary Admit a waiting student
// @Tags Queue
// @Produce json
// @Param id path string true "Queue entry ID"
// @Success 200 {object} response.Envelope
// @Router /queue/entries/{id}/admit [post]
func (h *QueueHandler) Admit(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	entry, err := h.service.Admit(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}

// Complete godoc
// @Summary Complete an admitted session
// @Tags Queue
// @Produce json
// @Param id path string true "Queue entry ID"
// @Success 200 {object} response.Envelope
// @Router /queue/entries/{id}/complete [post]
func (h *QueueHandler) Complete(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	entry, err := h.service.Complete(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entry, nil)
}

// Cancel godoc
// @Summary Cancel a queue entry
// @Tags Queue
// @Produce json
// @Param id path string true "Queue entry ID"
// @Success 204
// @Router /queue/entries/{id}/cancel [post]
func (h *QueueHandler) Cancel(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	if err := h.service.Cancel(c.Request.Context(), claims.UserID, claims.Role, c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// ExportHistory godoc
// @Summary Export an instructor's queue history
// @Tags Queue
// @Produce text/csv
// @Produce application/pdf
// @Param instructorId path string true "Instructor ID"
// @Param format query string false "csv or pdf" default(csv)
// @Param limit query int false "Maximum entries"
// @Success 200 {file} file
// @Router /instructors/{instructorId}/queue/export [get]
func (h *QueueHandler) ExportHistory(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}
	instructorID := c.Param("instructorId")
	if claims.UserID != instructorID && claims.Role != models.RoleAdmin {
		response.Error(c, appErrors.ErrForbidden)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	result, err := h.export.QueueHistory(c.Request.Context(), instructorID, c.DefaultQuery("format", "csv"), limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	c.Header("Content-Disposition", "attachment; filename="+result.FileName)
	c.Data(http.StatusOK, result.ContentType, result.Data)
}
