// Package log provides the logging abstraction shared by thlship components.
//
// Components accept a Logger and never reach for a global. The zerolog
// adapter is the production implementation; the no-op logger is used by
// tests and by embedders that bring no logger of their own.
//
// # Usage
//
//	logger := log.NewZerologAdapter(zerolog.InfoLevel)
//	sessLog := logger.With(log.String("session", "s-1"))
//	sessLog.Info("handshake complete", log.Int64("seqno", 42))
//
// # Throttling
//
// Every reports whether the n-th occurrence of a repeated condition should
// be logged. The connection manager uses it to log reconnection attempts
// without flooding the output.
package log
