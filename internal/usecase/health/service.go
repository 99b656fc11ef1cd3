package health

import (
	"context"
	"sync"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates a failing dependency while the database is up.
	Degraded Status = "degraded"
	// Unhealthy indicates the database is down.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

const componentDatabase = "database"

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

type component struct {
	name    string
	checker Checker
}

// Service coordinates health checks.
type Service struct {
	db         DBPinger
	components []component
}

// New creates a Service over the database.
func New(db DBPinger) *Service {
	return &Service{db: db}
}

// With adds a named dependency. Nil checkers are skipped.
func (s *Service) With(name string, c Checker) *Service {
	if c != nil {
		s.components = append(s.components, component{name: name, checker: c})
	}
	return s
}

// Check runs all health checks concurrently.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult, len(s.components)+1)
	var mu sync.Mutex
	var wg sync.WaitGroup

	record := func(name string, err error) {
		res := CheckOK
		if err != nil {
			res = CheckError
		}
		mu.Lock()
		checks[name] = res
		mu.Unlock()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		record(componentDatabase, s.db.Ping(ctx))
	}()
	for _, c := range s.components {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record(c.name, c.checker.HealthCheck(ctx))
		}()
	}
	wg.Wait()

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}
	if checks[componentDatabase] == CheckError {
		status = Unhealthy
	}

	return Report{Status: status, Checks: checks}
}
