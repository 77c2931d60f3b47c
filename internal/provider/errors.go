package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel failures the engine cares about. Everything else from a
// backend is opaque.
var (
	ErrRateLimited   = errors.New("provider rate limited")
	ErrTimeout       = errors.New("provider timeout")
	ErrInvalidConfig = errors.New("invalid provider configuration")
)

func isConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// apiError maps an HTTP failure status onto the sentinel taxonomy.
func apiError(status int, body string) error {
	base := fmt.Errorf("API error %d: %s", status, body)
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %v", ErrRateLimited, base)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: %v", ErrTimeout, base)
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusBadRequest || status == http.StatusNotFound:
		return fmt.Errorf("%w: %v", ErrInvalidConfig, base)
	case status >= 500:
		// Upstream hiccups are worth retrying.
		return fmt.Errorf("%w: %v", ErrTimeout, base)
	}
	return base
}
