package handlers

import (
	"strconv"

	"ovinet_backend/internal/logger"
	"ovinet_backend/internal/validator"
	"ovinet_backend/pkg/apperrors"
	"ovinet_backend/pkg/contextkeys"

	"github.com/gin-gonic/gin"
)

// BaseHandler carries the pieces every handler needs. Concrete handlers
// embed it for binding, validation and error mapping.
type BaseHandler struct {
	validator *validator.Validator
}

func NewBaseHandler(v *validator.Validator) *BaseHandler {
	return &BaseHandler{
		validator: v,
	}
}

// ============================================================================
// Binding and validation
// ============================================================================

func (h *BaseHandler) BindAndValidate_JSON(c *gin.Context, obj interface{}) bool {
	ctx := c.Request.Context()

	if err := c.ShouldBind(obj); err != nil {
		logger.CtxWithError(ctx, "Failed to bind JSON body", err, "path", c.Request.URL.Path)
		apperrors.HandleError(c, apperrors.NewBadRequestError("Invalid request body: "+err.Error()))
		return false
	}

	if err := h.validator.Validate(obj); err != nil {
		if vErr, ok := err.(*validator.ValidationError); ok {
			logger.CtxWarn(ctx, "Validation failed", "errors", vErr.Errors, "path", c.Request.URL.Path)
			apperrors.HandleError(c, apperrors.ValidationError(vErr.Errors))
		} else {
			logger.CtxWithError(ctx, "Internal validator error", err, "path", c.Request.URL.Path)
			apperrors.HandleError(c, apperrors.InternalError(err))
		}
		return false
	}
	return true
}

// ============================================================================
// Error mapping
// ============================================================================

func (h *BaseHandler) HandleServiceError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	var appErr *apperrors.AppError
	if apperrors.As(err, &appErr) {
		logger.CtxWarn(ctx, "Service error",
			"error", appErr.Message,
			"details", appErr.Details,
			"path", c.Request.URL.Path,
		)
		apperrors.HandleError(c, appErr)
	} else {
		logger.CtxWithError(ctx, "Internal server error", err, "path", c.Request.URL.Path)
		apperrors.HandleError(c, apperrors.InternalError(err))
	}
}

// ============================================================================
// Helpers
// ============================================================================

// GetAndAuthorizeOperator returns the operator subject set by the auth
// middleware, or writes a 401 and returns false.
func (h *BaseHandler) GetAndAuthorizeOperator(c *gin.Context) (string, bool) {
	ctx := c.Request.Context()

	operatorVal, exists := c.Get(string(contextkeys.OperatorIDContextKey))
	if !exists {
		logger.CtxWarn(ctx, "Unauthorized access: operator not found in context",
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
		)
		apperrors.HandleError(c, apperrors.NewUnauthorizedError("Operator not authenticated"))
		return "", false
	}

	operatorID, ok := operatorVal.(string)
	if !ok || operatorID == "" {
		logger.CtxWarn(ctx, "Unauthorized access: invalid operator id in context",
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
		)
		apperrors.HandleError(c, apperrors.NewUnauthorizedError("Invalid operator ID in context"))
		return "", false
	}

	return operatorID, true
}

func ParseQueryInt(c *gin.Context, key string, defaultValue int) int {
	valueStr := c.Query(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
