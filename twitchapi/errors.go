package twitchapi

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when an app token cannot be obtained, or when a request is
	// still rejected after one token refresh.
	ErrAuth = errors.New("twitch auth failed")
	// ErrUnauthorized marks an upstream 401 response.
	ErrUnauthorized = errors.New("twitch unauthorized")
)

// APIError is a non-2xx Helix response other than 401.
type APIError struct {
	StatusCode int
	Endpoint   string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch %s failed: status %d: %s", e.Endpoint, e.StatusCode, e.Body)
}
