package reliability

import (
	"context"
	"log/slog"
	"time"
)

// DefaultStableAfter is how long a loop must run before its failure no
// longer counts against the restart budget
const DefaultStableAfter = time.Minute

// Supervisor restarts a long running loop, such as a consume loop, when it
// fails with a retryable error
type Supervisor struct {
	name        string
	policy      RetryPolicy
	stableAfter time.Duration
	logger      *slog.Logger
}

// SupervisorOption configures the supervisor
type SupervisorOption func(*Supervisor)

// WithStableAfter sets the run time after which the restart count resets
func WithStableAfter(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.stableAfter = d
	}
}

// WithSupervisorLogger sets the logger
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// NewSupervisor creates a supervisor named name restarting with policy
func NewSupervisor(name string, policy RetryPolicy, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		name:        name,
		policy:      policy,
		stableAfter: DefaultStableAfter,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Run calls loop until it returns nil, ctx is done or the policy gives up.
// Cancellation of ctx is not an error.
func (s *Supervisor) Run(ctx context.Context, loop func(ctx context.Context) error) error {
	attempt := 0
	started := time.Now()

	for {
		runStart := time.Now()
		err := loop(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		if time.Since(runStart) >= s.stableAfter {
			attempt = 0
		}

		retry, delay := s.policy.ShouldRetry(attempt, err)
		if !retry {
			s.logger.Error("loop failed, giving up",
				"loop", s.name,
				"attempts", attempt+1,
				"error", err,
			)
			return &RetryError{
				Op:          s.name,
				Attempts:    attempt + 1,
				MaxAttempts: s.policy.MaxRetries(),
				LastError:   err,
				Duration:    time.Since(started),
			}
		}

		s.logger.Warn("loop failed, restarting",
			"loop", s.name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		attempt++

		if err := sleep(ctx, delay); err != nil {
			return nil
		}
	}
}
