package event

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBusClosed is returned when publishing on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// ErrSelfDependency is returned for an edge whose target equals its source.
var ErrSelfDependency = errors.New("channel cannot depend on itself")

// CycleError reports a dependency cycle.
type CycleError struct {
	Path []Channel
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, c := range e.Path {
		parts[i] = string(c)
	}
	return fmt.Sprintf("dependency cycle: %s", strings.Join(parts, " -> "))
}
