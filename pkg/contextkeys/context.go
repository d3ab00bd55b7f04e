package contextkeys

// Custom type so keys cannot collide with other packages
type contextKey string

const (
	// OperatorIDContextKey is the gin context key holding the authenticated
	// operator subject extracted from the bearer token.
	OperatorIDContextKey = contextKey("operator_id")

	// TokenScopeContextKey holds the scope claim of the service token.
	TokenScopeContextKey = contextKey("token_scope")
)
