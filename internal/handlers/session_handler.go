package handlers

import (
	"net/http"

	"ovinet_backend/internal/auth"
	"ovinet_backend/internal/middleware"
	"ovinet_backend/internal/models"
	"ovinet_backend/internal/services"

	"github.com/gin-gonic/gin"
)

// SessionHandler exposes the operator API: session status, lifecycle
// transitions, device snapshots and reconcile alerts.
type SessionHandler struct {
	*BaseHandler
	sessionService services.SessionService
}

func NewSessionHandler(base *BaseHandler, sessionService services.SessionService) *SessionHandler {
	return &SessionHandler{
		BaseHandler:    base,
		sessionService: sessionService,
	}
}

func (h *SessionHandler) RegisterRoutes(r *gin.RouterGroup, jwtSecret []byte) {
	operator := r.Group("/operator")
	operator.Use(middleware.AuthMiddleware(jwtSecret))
	{
		// Read routes
		operator.GET("/sessions/:sessionId", middleware.RequireScope(auth.ScopeViewer), h.GetSessionStatus)
		operator.GET("/devices/connected", middleware.RequireScope(auth.ScopeViewer), h.GetConnectedDevices)
		operator.GET("/alerts", middleware.RequireScope(auth.ScopeViewer), h.GetAlerts)

		// Lifecycle routes
		operator.POST("/sessions", middleware.RequireScope(auth.ScopeOperator), h.CreateSession)
		operator.POST("/sessions/:sessionId/pause", middleware.RequireScope(auth.ScopeOperator), h.PauseSession)
		operator.POST("/sessions/:sessionId/resume", middleware.RequireScope(auth.ScopeOperator), h.ResumeSession)
		operator.POST("/sessions/:sessionId/terminate", middleware.RequireScope(auth.ScopeOperator), h.TerminateSession)
		operator.POST("/alerts/:alertId/acknowledge", middleware.RequireScope(auth.ScopeOperator), h.AcknowledgeAlert)
	}
}

// --- Lifecycle handlers ---

// CreateSession provisions a session manually. The usual entry point is the
// entitlement webhook; this route covers comped and test accounts.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	if _, ok := h.GetAndAuthorizeOperator(c); !ok {
		return
	}

	var req models.CreateSessionRequest
	if !h.BindAndValidate_JSON(c, &req) {
		return
	}

	session, err := h.sessionService.CreateSession(c.Request.Context(), &req)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"sessionId": session.ID,
		"username":  session.Username,
		"queueName": session.QueueName,
		"status":    session.Status,
	})
}

func (h *SessionHandler) PauseSession(c *gin.Context) {
	operatorID, ok := h.GetAndAuthorizeOperator(c)
	if !ok {
		return
	}
	sessionID := c.Param("sessionId")

	var req models.PauseSessionRequest
	if !h.BindAndValidate_JSON(c, &req) {
		return
	}

	session, err := h.sessionService.PauseSession(c.Request.Context(), sessionID, &req, &operatorID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":        session.ID,
		"status":           session.Status,
		"reconcilePending": session.NeedsReconcile,
	})
}

func (h *SessionHandler) ResumeSession(c *gin.Context) {
	if _, ok := h.GetAndAuthorizeOperator(c); !ok {
		return
	}
	sessionID := c.Param("sessionId")

	session, err := h.sessionService.ResumeSession(c.Request.Context(), sessionID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":        session.ID,
		"status":           session.Status,
		"reconcilePending": session.NeedsReconcile,
	})
}

func (h *SessionHandler) TerminateSession(c *gin.Context) {
	if _, ok := h.GetAndAuthorizeOperator(c); !ok {
		return
	}
	sessionID := c.Param("sessionId")

	session, err := h.sessionService.TerminateSession(c.Request.Context(), sessionID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId": session.ID,
		"status":    session.Status,
		"endTime":   session.EndTime,
	})
}

// --- Read handlers ---

func (h *SessionHandler) GetSessionStatus(c *gin.Context) {
	if _, ok := h.GetAndAuthorizeOperator(c); !ok {
		return
	}
	sessionID := c.Param("sessionId")

	status, err := h.sessionService.GetSessionStatus(c.Request.Context(), sessionID)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *SessionHandler) GetConnectedDevices(c *gin.Context) {
	if _, ok := h.GetAndAuthorizeOperator(c); !ok {
		return
	}

	clients, err := h.sessionService.GetConnectedDevices(c.Request.Context())
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clients": clients,
		"total":   len(clients),
	})
}

func (h *SessionHandler) GetAlerts(c *gin.Context) {
	if _, ok := h.GetAndAuthorizeOperator(c); !ok {
		return
	}

	limit := ParseQueryInt(c, "limit", 100)

	alerts, err := h.sessionService.GetAlerts(c.Request.Context())
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}
	if limit > 0 && len(alerts) > limit {
		alerts = alerts[:limit]
	}

	out := make([]models.AlertResponse, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, models.AlertResponse{
			AlertID:      alert.ID,
			SessionID:    alert.SessionID,
			Kind:         alert.Kind,
			Message:      alert.Message,
			FailureCount: alert.FailureCount,
			CreatedAt:    alert.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"alerts": out,
		"total":  len(out),
	})
}

func (h *SessionHandler) AcknowledgeAlert(c *gin.Context) {
	if _, ok := h.GetAndAuthorizeOperator(c); !ok {
		return
	}
	alertID := c.Param("alertId")

	if err := h.sessionService.AcknowledgeAlert(c.Request.Context(), alertID); err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Alert acknowledged"})
}
