package session

import "context"

// Static verifies tokens against a fixed token to principal table.
// It backs local development and tests.
type Static map[string]string

// VerifySession returns the principal mapped to token.
func (s Static) VerifySession(_ context.Context, token string) (string, error) {
	if principal, ok := s[token]; ok && principal != "" {
		return principal, nil
	}
	return "", ErrInvalidSession
}
