package auth

import "errors"

// Compare with errors.Is. The HTTP layer maps these to status codes.
var (
	// Wrong password and unknown email look the same to the caller.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserNotFound       = errors.New("user no longer exists")
	ErrUserDisabled       = errors.New("account disabled")

	ErrEmailTaken   = errors.New("email already registered")
	ErrWeakPassword = errors.New("password shorter than 8 characters")

	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")

	// ErrRefreshTokenNotFound covers tokens already rotated or revoked.
	ErrRefreshTokenNotFound = errors.New("refresh token unknown or revoked")
)
