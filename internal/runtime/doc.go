// Package runtime wires storage, the dispatch engine, the worker pool, and
// the reconciler into a single-node instance. It exposes Open/Start/Stop/
// Close and basic health checks.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	rt.Handlers().RegisterFunc("email", sendEmail)
//	_ = rt.Start(ctx)
//	defer rt.Stop()
//	snap, _ := rt.Engine().Submit(ctx, dispatch.SubmitRequest{Payload: payload})
package runtime
