// Package interceptors wraps envelope handlers with cross-cutting behaviour:
// logging, metrics, panic recovery, timeouts, filtering and duplicate
// detection.
//
// A chain is built once and applied to the handler passed to ConsumeAndAck:
//
//	chain := interceptors.NewChain(
//	    interceptors.NewRecoveryInterceptor(),
//	    interceptors.NewLoggingInterceptor(logger),
//	    interceptors.NewMetricsInterceptor("create-user"),
//	)
//	err := m.ConsumeAndAck(ctx, domain.CreateUserCommandKey, chain.Then(svc.OnCreateUser))
//
// Interceptors run in the order they were added; the first one added is the
// outermost. An interceptor that returns nil without calling next
// acknowledges the delivery without processing it.
package interceptors
