// Package reliability provides retry policies and a supervisor that
// restarts failed consume loops.
//
// The messaging layer never retries on its own: a consume loop stops on the
// first failed delivery and leaves it on the queue. A Supervisor decides
// whether to start the loop again.
//
// Example usage:
//
//	policy := NewExponentialBackoff(time.Second, 30*time.Second, 2.0, 0)
//	sup := NewSupervisor("create-user", policy)
//
//	err := sup.Run(ctx, func(ctx context.Context) error {
//	    return m.ConsumeAndAck(ctx, domain.CreateUserCommandKey, handler)
//	})
package reliability
