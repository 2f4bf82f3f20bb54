package model

import "errors"

// Error categories shared by the backend and the node agent. Callers wrap
// them with fmt.Errorf("...: %w", ...) and test with errors.Is.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrNotFound            = errors.New("not found")
	ErrCapacityConflict    = errors.New("no free device slots")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrConfigCorrupt       = errors.New("config corrupt")
	ErrInvalidInput        = errors.New("invalid input")
)
