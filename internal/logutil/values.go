// Package logutil carries small zap helpers shared by every long-lived
// engine component (store, listener network, event loop, introspection
// server, sigar adapter).
package logutil

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Values groups a set of zap.Fields under a single nested object field,
// useful for attaching a listener's whole bound tuple or an instance's
// whole slot vector to one log line without flattening it into the
// top-level field namespace.
func Values(name string, fields ...zap.Field) zap.Field {
	return zap.Object(name, zapcore.ObjectMarshalerFunc(func(enc zapcore.ObjectEncoder) error {
		for _, f := range fields {
			f.AddTo(enc)
		}
		return nil
	}))
}

// Nop returns a no-op logger, used by components constructed without an
// explicit *zap.Logger (tests, one-off tooling).
func Nop() *zap.Logger {
	return zap.NewNop()
}
