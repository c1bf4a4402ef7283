// Package log provides the structured logging facade used by dispatch
// components.
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context, backed by a formatter/output pipeline.
// Components receive a Logger and tag themselves via WithComponent so a
// single process-wide configuration controls level and format.
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	)
//	l = l.WithComponent("reconciler")
//	l.Info("pass complete", log.F("reclaimed", 3))
package log
