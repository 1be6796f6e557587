package service

import "errors"

// Credential failures share one deliberately vague message so responses
// cannot be used to enumerate usernames.
var (
	ErrAlreadyExists      = errors.New("user already exists with this username")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidCode        = errors.New("invalid one-time code")
	ErrAlreadyVerified    = errors.New("second factor already verified")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrBadRequest         = errors.New("bad request")
	ErrTooManyAttempts    = errors.New("too many login attempts recently, please retry in 24 hours")
	ErrUnavailable        = errors.New("service temporarily unavailable")
	ErrNoSessionStore     = errors.New("session store is not initialized")
)
