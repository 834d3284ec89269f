package handler

import (
	"context"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/bansos-api/internal/middleware"
	"github.com/noah-isme/bansos-api/internal/models"
	"github.com/noah-isme/bansos-api/internal/service"
	appErrors "github.com/noah-isme/bansos-api/pkg/errors"
	"github.com/noah-isme/bansos-api/pkg/response"
)

type programService interface {
	List(ctx context.Context, filter models.ProgramFilter) ([]models.Program, *models.Pagination, error)
	Get(ctx context.Context, id string) (*models.Program, error)
	Create(ctx context.Context, req service.CreateProgramRequest, actor models.Actor) (*models.Program, error)
	Update(ctx context.Context, id string, req service.UpdateProgramRequest, actor models.Actor) (*models.Program, error)
	SetStatus(ctx context.Context, id string, req service.UpdateProgramStatusRequest, actor models.Actor) (*models.Program, error)
	IsOpenForEnrollment(ctx context.Context, id string, now time.Time) (bool, error)
	RemainingCapacity(ctx context.Context, id string) (*models.Capacity, error)
	ListActivePrograms(ctx context.Context, now time.Time) iter.Seq2[models.Program, error]
}

// CapacityResponse reports whether a program is open and how much room it has.
type CapacityResponse struct {
	Open     bool             `json:"open"`
	Capacity *models.Capacity `json:"capacity"`
}

// ProgramHandler exposes program registry endpoints.
type ProgramHandler struct {
	programs programService
	now      func() time.Time
}

// NewProgramHandler constructs ProgramHandler.
func NewProgramHandler(programs programService) *ProgramHandler {
	return &ProgramHandler{programs: programs, now: time.Now}
}

// List godoc
// @Summary List programs
// @Tags Programs
// @Produce json
// @Param status query string false "Filter by status"
// @Param category query string false "Filter by category"
// @Param search query string false "Search name or description"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Param sort query string false "Sort field"
// @Param order query string false "Sort order"
// @Success 200 {object} response.Envelope
// @Router /programs [get]
func (h *ProgramHandler) List(c *gin.Context) {
	var filter models.ProgramFilter
	filter.Status = models.ProgramStatus(strings.ToLower(c.Query("status")))
	filter.Category = c.Query("category")
	filter.Search = c.Query("search")
	filter.Page, filter.PageSize = pageParams(c)
	filter.SortBy = c.Query("sort")
	filter.SortOrder = c.Query("order")

	programs, pagination, err := h.programs.List(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, programs, pagination)
}

// ListActive godoc
// @Summary List programs open for enrollment
// @Tags Programs
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /programs/active [get]
func (h *ProgramHandler) ListActive(c *gin.Context) {
	programs, err := collect(h.programs.ListActivePrograms(c.Request.Context(), h.now().UTC()))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, programs, nil)
}

// Get godoc
// @Summary Get program
// @Tags Programs
// @Produce json
// @Param id path string true "Program ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /programs/{id} [get]
func (h *ProgramHandler) Get(c *gin.Context) {
	program, err := h.programs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, program, nil)
}

// Create godoc
// @Summary Create program
// @Tags Programs
// @Accept json
// @Produce json
// @Param payload body service.CreateProgramRequest true "Program payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /programs [post]
func (h *ProgramHandler) Create(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.CreateProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	program, err := h.programs.Create(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Set(middleware.ContextAuditResourceKey, program.ID)
	response.Created(c, program)
}

// Update godoc
// @Summary Update program
// @Tags Programs
// @Accept json
// @Produce json
// @Param id path string true "Program ID"
// @Param payload body service.UpdateProgramRequest true "Program changes"
// @Success 200 {object} response.Envelope
// @Router /programs/{id} [put]
func (h *ProgramHandler) Update(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.UpdateProgramRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	program, err := h.programs.Update(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, program, nil)
}

// SetStatus godoc
// @Summary Change program status
// @Tags Programs
// @Accept json
// @Produce json
// @Param id path string true "Program ID"
// @Param payload body service.UpdateProgramStatusRequest true "Status payload"
// @Success 200 {object} response.Envelope
// @Router /programs/{id}/status [patch]
func (h *ProgramHandler) SetStatus(c *gin.Context) {
	actor, err := actorFromContext(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req service.UpdateProgramStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	program, err := h.programs.SetStatus(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, program, nil)
}

// Capacity godoc
// @Summary Program eligibility and remaining capacity
// @Tags Programs
// @Produce json
// @Param id path string true "Program ID"
// @Success 200 {object} response.Envelope
// @Router /programs/{id}/capacity [get]
func (h *ProgramHandler) Capacity(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	open, err := h.programs.IsOpenForEnrollment(ctx, id, h.now().UTC())
	if err != nil {
		response.Error(c, err)
		return
	}
	capacity, err := h.programs.RemainingCapacity(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, CapacityResponse{Open: open, Capacity: capacity}, nil)
}
