// Package interceptors wraps event handlers with cross-cutting behavior.
//
// An InterceptorChain runs its interceptors in the order they were added,
// each deciding whether and how to call the next one, with the wrapped
// handler called last:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewFilteringInterceptor(
//			interceptors.TypeFilter("RESUME_UPLOADED", "RESUME_DELETED"),
//			interceptors.SkipWithLog, logger))
//
//	err := events.Subscribe(ctx, "RESUME_SERVICE", chain.Wrap(router))
//
// A returned error requeues the event, so interceptors that reject an
// event for good return nil after logging instead.
package interceptors
