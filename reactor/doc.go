// Package reactor provides a single-goroutine I/O event loop: descriptor
// readiness (epoll on Linux, kqueue on Darwin), a cancellable timer heap, and
// a task queue that may be fed from any goroutine.
//
// The loop goroutine owns all callback execution. Descriptor and timer
// registration may be performed from the loop goroutine, or from a goroutine
// the loop has handed control to and is blocked on (see package async), as
// well as from unrelated goroutines.
//
// Usage:
//
//	loop, err := reactor.New()
//	if err != nil {
//		return err
//	}
//	go loop.Run(ctx)
//	defer loop.Shutdown(context.Background())
//
//	_ = loop.Submit(func() {
//		// runs on the loop goroutine
//	})
package reactor
