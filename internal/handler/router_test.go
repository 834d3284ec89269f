package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/bansos-api/internal/models"
	appErrors "github.com/noah-isme/bansos-api/pkg/errors"
)

type roleTokens struct{}

// ValidateToken treats the bearer token as the role name.
func (roleTokens) ValidateToken(token string) (*models.JWTClaims, error) {
	role := models.UserRole(token)
	if !role.Valid() {
		return nil, appErrors.ErrUnauthorized
	}
	return &models.JWTClaims{UserID: "user-" + token, Role: role}, nil
}

type auditSink struct {
	mu   sync.Mutex
	logs []models.AuditLog
}

func (s *auditSink) Create(ctx context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, *log)
	return nil
}

func newTestRouter(audit *auditSink) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterRoutes(router.Group("/api/v1"), Routes{
		Programs:   NewProgramHandler(&programServiceMock{program: &models.Program{ID: "p1"}}),
		Recipients: NewRecipientHandler(&allocationServiceMock{}),
		Tokens:     roleTokens{},
		Audit:      audit,
		Logger:     zap.NewNop(),
	})
	return router
}

func TestRouterRoleMatrix(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		role   string
		status int
	}{
		{"viewer reads programs", http.MethodGet, "/api/v1/programs/p1", "", "VIEWER", http.StatusOK},
		{"viewer cannot enroll", http.MethodPost, "/api/v1/recipients", `{"program_id":"p","individual_id":"i"}`, "VIEWER", http.StatusForbidden},
		{"officer enrolls", http.MethodPost, "/api/v1/recipients", `{"program_id":"p","individual_id":"i"}`, "OFFICER", http.StatusCreated},
		{"officer cannot create programs", http.MethodPost, "/api/v1/programs", `{"name":"x"}`, "OFFICER", http.StatusForbidden},
		{"admin distributes", http.MethodPost, "/api/v1/recipients/r1/distribute", "", "ADMIN", http.StatusOK},
		{"superadmin changes status", http.MethodPatch, "/api/v1/programs/p1/status", `{"status":"inactive"}`, "SUPERADMIN", http.StatusOK},
		{"anonymous rejected", http.MethodGet, "/api/v1/programs", "", "", http.StatusUnauthorized},
		{"individual history", http.MethodGet, "/api/v1/individuals/i1/recipients", "", "OFFICER", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newTestRouter(&auditSink{})
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			if tt.role != "" {
				req.Header.Set("Authorization", "Bearer "+tt.role)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestRouterAuditsMutations(t *testing.T) {
	audit := &auditSink{}
	router := newTestRouter(audit)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/recipients/r1/reject", bytes.NewBufferString(`{"remark":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer OFFICER")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, audit.logs, 1)
	assert.Equal(t, models.AuditActionRecipientReject, audit.logs[0].Action)
	assert.Equal(t, "r1", *audit.logs[0].ResourceID)
	assert.Equal(t, "user-OFFICER", *audit.logs[0].UserID)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/recipients", nil)
	req.Header.Set("Authorization", "Bearer OFFICER")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Len(t, audit.logs, 1, "reads are not audited")
}
