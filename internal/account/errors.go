package account

import "fmt"

// TokenError reports a failed token refresh, carrying the upstream HTTP status
// and the opaque token id of the affected account.
type TokenError struct {
	Message string
	TokenID string
	Status  int
}

func (e *TokenError) Error() string {
	if e.TokenID != "" {
		return fmt.Sprintf("token %s: %s (status %d)", e.TokenID, e.Message, e.Status)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
}

// Fatal reports whether the refresh failure should disable the account.
func (e *TokenError) Fatal() bool {
	return e.Status == 400 || e.Status == 403
}
