package health

import (
	"fmt"
	"time"
)

func newStatus(component, state, message string) Status {
	return Status{
		Component: component,
		Healthy:   state == StateHealthy,
		Status:    state,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

// NewDegraded creates a degraded status
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// severity orders states from best to worst
var severity = map[string]int{
	StateHealthy:   0,
	StateDegraded:  1,
	StateUnhealthy: 2,
}

// Aggregate takes the worst state among subs; no subs is healthy.
// subs is copied into the result.
func Aggregate(component string, subs []Status) Status {
	worst, count := StateHealthy, 0
	for _, sub := range subs {
		switch {
		case severity[sub.Status] > severity[worst]:
			worst, count = sub.Status, 1
		case sub.Status == worst:
			count++
		}
	}

	var message string
	switch {
	case len(subs) == 0:
		message = "no sessions"
	case worst == StateHealthy:
		message = fmt.Sprintf("%d sessions healthy", count)
	default:
		message = fmt.Sprintf("%d of %d sessions %s", count, len(subs), worst)
	}

	status := newStatus(component, worst, message)
	if len(subs) > 0 {
		status.SubStatuses = append([]Status(nil), subs...)
	}
	return status
}
