package validator

import (
	"log"

	"ovinet_backend/internal/models"

	"github.com/go-playground/validator/v10"
)

// registerCustomRules installs the domain validation tags on the given
// validator instance.
func registerCustomRules(v *validator.Validate) {
	mustRegister := func(tag string, fn validator.Func) {
		if err := v.RegisterValidation(tag, fn); err != nil {
			// A rule that fails to register is a startup defect
			log.Fatalf("failed to register custom validation tag '%s': %v", tag, err)
		}
	}

	// 'pause_reason': the reason attached to a pause request
	mustRegister("pause_reason", validatePauseReason)

	// 'usage_event': the event type carried by a usage report
	mustRegister("usage_event", validateUsageEvent)
}

func validatePauseReason(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // empty is 'required' territory
	}
	switch models.PauseReason(value) {
	case models.PauseReasonUserRequest, models.PauseReasonAdminAction,
		models.PauseReasonSystemAuto, models.PauseReasonPaymentIssue, models.PauseReasonOther:
		return true
	default:
		return false
	}
}

func validateUsageEvent(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	switch models.UsageEventType(value) {
	case models.UsageEventUpdate, models.UsageEventTerminate:
		return true
	default:
		return false
	}
}
