package handler

import (
	"context"
	"iter"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bansos-api/internal/middleware"
	"github.com/noah-isme/bansos-api/internal/models"
	"github.com/noah-isme/bansos-api/internal/service"
	appErrors "github.com/noah-isme/bansos-api/pkg/errors"
	"github.com/noah-isme/bansos-api/pkg/response"
)

type allocationService interface {
	Enroll(ctx context.Context, req service.EnrollRequest, actor models.Actor) (*models.Recipient, error)
	Verify(ctx context.Context, id string, req service.VerifyRequest, actor models.Actor) (*models.Recipient, error)
	Distribute(ctx context.Context, id string, req service.DistributeRequest, actor models.Actor) (*models.Recipient, error)
	Reject(ctx context.Context, id string, req service.RejectRequest, actor models.Actor) (*models.Recipient, error)
	Get(ctx context.Context, id string) (*models.RecipientDetail, error)
	List(ctx context.Context, filter models.RecipientFilter) ([]models.RecipientDetail, *models.Pagination, error)
	FindByIndividual(ctx context.Context, individualID string) iter.Seq2[models.RecipientDetail, error]
	FindByProgram(ctx context.Context, programID string) iter.Seq2[models.RecipientDetail, error]
}

// RecipientHandler exposes the recipient lifecycle endpoints.
type RecipientHandler struct {
	allocations allocationService
}

// NewRecipientHandler constructs RecipientHandler.
func NewRecipientHandler(allocations allocationService) *RecipientHandler {
	return &RecipientHandler{allocations: allocations}
}

// List godoc
// @Summary List recipients
// @Tags Recipients
// @Produce json
// @Param programId query string false "Filter by program"
// @Param individualId query string false "Filter by individual"
// @Param status query string false "Filter by status"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /recipients [get]
func (h *RecipientHandler) List(c *gin.Context) {
	var filter models.RecipientFilter
	filter.ProgramID = c.Query("programId")
	filter.IndividualID = c.Query("individualId")
	filter.Status = models.RecipientStatus(strings.ToLower(c.Query("status")))
	filter.Page, filter.PageSize = pageParams(c)
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	recipients, pagination, err := h.allocations.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipients, pagination)
}

// Get godoc
// @Summary Get recipient
// @Tags Recipients
// @Produce json
// @Param id path string true "Recipient ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /recipients/{id} [get]
func (h *RecipientHandler) Get(c *gin.Context) {
	recipient, err := h.allocations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipient, nil)
}

// Enroll godoc
// @Summary Enroll an individual into a program
// @Tags Recipients
// @Accept json
// @Produce json
// @Param payload body service.EnrollRequest true "Enrollment payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /recipients [post]
func (h *RecipientHandler) Enroll(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	recipient, err := h.allocations.Enroll(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Set(middleware.ContextAuditResourceKey, recipient.ID)
	response.Created(c, recipient)
}

// Verify godoc
// @Summary Record a verification decision
// @Tags Recipients
// @Accept json
// @Produce json
// @Param id path string true "Recipient ID"
// @Param payload body service.VerifyRequest true "Verification payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /recipients/{id}/verify [post]
func (h *RecipientHandler) Verify(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	recipient, err := h.allocations.Verify(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipient, nil)
}

// Distribute godoc
// @Summary Record benefit distribution
// @Tags Recipients
// @Accept json
// @Produce json
// @Param id path string true "Recipient ID"
// @Param payload body service.DistributeRequest false "Distribution payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /recipients/{id}/distribute [post]
func (h *RecipientHandler) Distribute(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.DistributeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	recipient, err := h.allocations.Distribute(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipient, nil)
}

// Reject godoc
// @Summary Reject a recipient and release its slot
// @Tags Recipients
// @Accept json
// @Produce json
// @Param id path string true "Recipient ID"
// @Param payload body service.RejectRequest false "Rejection payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /recipients/{id}/reject [post]
func (h *RecipientHandler) Reject(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.RejectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
			return
		}
	}
	recipient, err := h.allocations.Reject(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipient, nil)
}

// ListByProgram godoc
// @Summary List every recipient of a program
// @Tags Recipients
// @Produce json
// @Param id path string true "Program ID"
// @Success 200 {object} response.Envelope
// @Router /programs/{id}/recipients [get]
func (h *RecipientHandler) ListByProgram(c *gin.Context) {
	recipients, err := collect(h.allocations.FindByProgram(c.Request.Context(), c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipients, nil)
}

// ListByIndividual godoc
// @Summary List every enrollment of an individual
// @Tags Recipients
// @Produce json
// @Param id path string true "Individual ID"
// @Success 200 {object} response.Envelope
// @Router /individuals/{id}/recipients [get]
func (h *RecipientHandler) ListByIndividual(c *gin.Context) {
	recipients, err := collect(h.allocations.FindByIndividual(c.Request.Context(), c.Param("id")))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, recipients, nil)
}
