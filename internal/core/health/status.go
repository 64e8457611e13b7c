package health

import (
	"context"
	"time"
)

// Overall and component states.
const (
	StateUp       = "UP"
	StateDegraded = "DEGRADED"
	StateDown     = "DOWN"
)

// Checker checks one dependency. A check returning ErrDegraded (wrapped or
// not) marks the component degraded instead of down.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Status captures the state of the service at a moment in time.
type Status struct {
	Service     string      `json:"service"`
	Version     string      `json:"version"`
	Environment string      `json:"environment"`
	Status      string      `json:"status"`
	StartedAt   time.Time   `json:"startedAt"`
	Uptime      string      `json:"uptime"`
	UptimeSecs  int64       `json:"uptimeSeconds"`
	Components  []Component `json:"components,omitempty"`
}

// Component is the result of one Checker.
type Component struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ErrDegraded marks a failing check that does not make the service unusable.
var ErrDegraded = degradedError{}

type degradedError struct{}

func (degradedError) Error() string { return "degraded" }

// CheckFunc adapts a function to Checker.
type CheckFunc struct {
	CheckName string
	Fn        func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.CheckName }
func (c CheckFunc) Check(ctx context.Context) error { return c.Fn(ctx) }
