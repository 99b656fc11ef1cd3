package health

import "context"

// DBPinger checks database availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Checker checks an external dependency (embedding provider, object store, grader).
type Checker interface {
	HealthCheck(ctx context.Context) error
}
