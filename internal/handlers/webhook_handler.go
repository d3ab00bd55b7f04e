package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"

	"ovinet_backend/internal/models"
	"ovinet_backend/internal/services"

	"github.com/gin-gonic/gin"
)

// WebhookHandler receives the two inbound callbacks: entitlement
// confirmations from the billing gateway and usage reports from the
// accounting pipeline. Both callers retry on non-2xx, so every handler
// path has to stay idempotent.
type WebhookHandler struct {
	*BaseHandler
	subscriptionService services.SubscriptionService
	sessionService      services.SessionService
}

func NewWebhookHandler(
	base *BaseHandler,
	subscriptionService services.SubscriptionService,
	sessionService services.SessionService,
) *WebhookHandler {
	return &WebhookHandler{
		BaseHandler:         base,
		subscriptionService: subscriptionService,
		sessionService:      sessionService,
	}
}

func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	webhooks := r.Group("/webhooks")
	{
		webhooks.POST("/entitlement", h.HandleEntitlement)
		webhooks.POST("/usage", h.HandleUsage)
	}
}

// HandleEntitlement verifies the settlement against the gateway and opens
// a session for the subscription unless one is already running.
func (h *WebhookHandler) HandleEntitlement(c *gin.Context) {
	var req models.EntitlementWebhookRequest
	if !h.BindAndValidate_JSON(c, &req) {
		return
	}

	session, err := h.subscriptionService.ConfirmEntitlement(c.Request.Context(), &req)
	if err != nil {
		h.HandleServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":      session.ID,
		"subscriptionId": session.SubscriptionID,
		"queueName":      session.QueueName,
		"status":         session.Status,
	})
}

// HandleUsage folds a usage report into the session counters. A terminate
// event additionally tears the session down.
func (h *WebhookHandler) HandleUsage(c *gin.Context) {
	var req models.UsageWebhookRequest
	if !h.BindAndValidate_JSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	reportKey := h.resolveReportKey(c, &req)

	// The final report of a terminate event may carry no delta at all
	if req.EventType == models.UsageEventUpdate || req.DataUsedMB > 0 {
		if err := h.sessionService.UpdateUsage(ctx, req.SessionID, req.DataUsedMB, reportKey, req.EventType); err != nil {
			h.HandleServiceError(c, err)
			return
		}
	}

	if req.EventType == models.UsageEventTerminate {
		if _, err := h.sessionService.TerminateSession(ctx, req.SessionID); err != nil {
			h.HandleServiceError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"message": "Usage report accepted"})
}

// resolveReportKey picks the idempotency key for a usage report: explicit
// body key, then the delivery id header, then a digest of the payload so a
// bare redelivery still dedupes.
func (h *WebhookHandler) resolveReportKey(c *gin.Context, req *models.UsageWebhookRequest) string {
	if req.ReportKey != "" {
		return req.ReportKey
	}
	if delivery := c.GetHeader("X-Delivery-ID"); delivery != "" {
		return delivery
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%.3f|%s", req.SessionID, req.DataUsedMB, req.EventType)))
	return hex.EncodeToString(sum[:])
}
