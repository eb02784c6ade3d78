package models

// SessionClaims holds the claims read from a verified session token
type SessionClaims struct {
	Sub   string `json:"sub"`   // Subject (stable principal id)
	Email string `json:"email"` // User email
	Exp   int64  `json:"exp"`   // Expiration time
	Iat   int64  `json:"iat"`   // Issued at
	Iss   string `json:"iss"`   // Issuer
}
