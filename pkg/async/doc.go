// Package async provides fire-and-forget execution for background work.
//
// SafeGo runs one function in a goroutine with panic recovery, a timeout and
// error logging. Group does the same but tracks its tasks so shutdown can wait
// for publishes still in flight:
//
//	g := async.NewGroup(logger, 2*time.Second)
//	_ = g.Go(context.WithoutCancel(ctx), "cache invalidation publish", publish)
//	defer g.Close(shutdownCtx)
package async
