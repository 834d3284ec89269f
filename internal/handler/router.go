package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/bansos-api/internal/middleware"
	"github.com/noah-isme/bansos-api/internal/models"
)

// Routes bundles what RegisterRoutes needs to mount the API.
type Routes struct {
	Programs   *ProgramHandler
	Recipients *RecipientHandler
	Tokens     middleware.TokenValidator
	Audit      middleware.AuditWriter
	Logger     *zap.Logger
}

// RegisterRoutes mounts every authenticated endpoint under group.
func RegisterRoutes(group *gin.RouterGroup, routes Routes) {
	adminOnly := middleware.RequireRoles(models.RoleAdmin)
	operators := middleware.RequireRoles(models.RoleAdmin, models.RoleOfficer)
	readers := middleware.RequireRoles(models.RoleAdmin, models.RoleOfficer, models.RoleViewer)
	audit := func(action, resource string) gin.HandlerFunc {
		return middleware.Audit(routes.Audit, routes.Logger, action, resource)
	}

	secured := group.Group("")
	secured.Use(middleware.JWT(routes.Tokens))

	programs := secured.Group("/programs")
	programs.GET("", readers, routes.Programs.List)
	programs.GET("/active", readers, routes.Programs.ListActive)
	programs.GET("/:id", readers, routes.Programs.Get)
	programs.GET("/:id/capacity", readers, routes.Programs.Capacity)
	programs.GET("/:id/recipients", readers, routes.Recipients.ListByProgram)
	programs.POST("", adminOnly, audit(models.AuditActionProgramCreate, models.AuditResourceProgram), routes.Programs.Create)
	programs.PUT("/:id", adminOnly, audit(models.AuditActionProgramUpdate, models.AuditResourceProgram), routes.Programs.Update)
	programs.PATCH("/:id/status", adminOnly, audit(models.AuditActionProgramStatus, models.AuditResourceProgram), routes.Programs.SetStatus)

	recipients := secured.Group("/recipients")
	recipients.GET("", readers, routes.Recipients.List)
	recipients.GET("/:id", readers, routes.Recipients.Get)
	recipients.POST("", operators, audit(models.AuditActionRecipientEnroll, models.AuditResourceRecipient), routes.Recipients.Enroll)
	recipients.POST("/:id/verify", operators, audit(models.AuditActionRecipientVerify, models.AuditResourceRecipient), routes.Recipients.Verify)
	recipients.POST("/:id/distribute", operators, audit(models.AuditActionRecipientDistribute, models.AuditResourceRecipient), routes.Recipients.Distribute)
	recipients.POST("/:id/reject", operators, audit(models.AuditActionRecipientReject, models.AuditResourceRecipient), routes.Recipients.Reject)

	secured.GET("/individuals/:id/recipients", readers, routes.Recipients.ListByIndividual)
}
