package apperrors

import (
	"net/http"
)

/*
Factories and predefined variables for the domain errors of the session
coordinator: session lifecycle, subscriptions, the access device and the
billing gateway.
*/

// =========================================================================
// Factories (wrap lower-layer errors, e.g. repository sentinels)
// =========================================================================

// ErrNotFound converts a repository not-found into a 404
func ErrNotFound(err error) *AppError {
	return Wrap(err, CodeNotFound, "resource", "Resource not found", http.StatusNotFound)
}

// ErrAlreadyExists converts a uniqueness violation into a 409
func ErrAlreadyExists(err error) *AppError {
	return Wrap(err, CodeAlreadyExists, "resource", "Resource already exists", http.StatusConflict)
}

// ErrConflict is the generic conflict factory (409)
func ErrConflict(err error, domain, message string) *AppError {
	return Wrap(err, CodeConflict, domain, message, http.StatusConflict)
}

// ErrDeviceFailure classifies an access-device or transport fault (502).
// The coordinator decides whether to retry, flag or surface it.
func ErrDeviceFailure(err error, message string) *AppError {
	return Wrap(err, CodeDeviceError, "device", message, http.StatusBadGateway)
}

// ErrProvisioningFailed is returned when device provisioning failed during
// session creation and no session row was written.
func ErrProvisioningFailed(err error) *AppError {
	return Wrap(err, CodeProvisioningFailed, "session", "Could not start session, try again", http.StatusBadGateway)
}

// ErrTerminateFailed is returned when device deprovisioning failed and the
// session is intentionally left in its previous state for a caller retry.
func ErrTerminateFailed(err error) *AppError {
	return Wrap(err, CodeDeviceError, "session", "Could not stop session, retrying", http.StatusBadGateway)
}

// ErrInvalidOperation builds a 400 for operations the domain forbids
func ErrInvalidOperation(domain, message string) *AppError {
	return New(CodeInvalidOperation, domain, message, http.StatusBadRequest)
}

// ErrInvalidStatus builds a 409 for operations illegal in the current status
func ErrInvalidStatus(domain, message string) *AppError {
	return New(CodeInvalidStatus, domain, message, http.StatusConflict)
}

// =========================================================================
// Predefined variables (frequent, static errors)
// =========================================================================

// --- Sessions ---

// ErrSessionTerminated rejects lifecycle operations on a terminated session.
var ErrSessionTerminated = New(
	CodeInvalidStatus,
	"session",
	"Session is terminated and accepts no further transitions",
	http.StatusConflict,
)

// ErrStaleTransition is handed to the loser of a concurrent status update.
// The caller should re-read the session and decide again.
var ErrStaleTransition = New(
	CodeConflict,
	"session",
	"Session status changed concurrently, re-read and retry",
	http.StatusConflict,
)

// --- Subscriptions ---

// ErrSubscriptionNotActive rejects session creation for inactive subscriptions.
var ErrSubscriptionNotActive = New(
	CodeInvalidStatus,
	"subscription",
	"Subscription is not active",
	http.StatusConflict,
)

// ErrConnectionLimitReached rejects session creation above the allowance.
var ErrConnectionLimitReached = New(
	CodeLimitExceeded,
	"subscription",
	"Simultaneous connection limit for this subscription has been reached",
	http.StatusForbidden,
)

// --- Billing gateway ---

// ErrGatewayUnavailable covers transport or auth failures against the gateway.
var ErrGatewayUnavailable = New(
	CodeExternalServiceError,
	"gateway",
	"Billing gateway error",
	http.StatusServiceUnavailable,
)

// ErrEntitlementNotConfirmed rejects entitlement webhooks the gateway does
// not acknowledge as paid.
var ErrEntitlementNotConfirmed = New(
	CodeInvalidOperation,
	"gateway",
	"Entitlement is not confirmed by the billing gateway",
	http.StatusConflict,
)

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}
