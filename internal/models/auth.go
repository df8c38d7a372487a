package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims carries the authenticated actor identity through requests.
type JWTClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}
