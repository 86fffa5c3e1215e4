// Package logx is a thin structured-logging kit on top of zerolog.
//
// It exposes a value-type Logger with slog-like field helpers and a Service
// that owns the configured sinks (console, file) and can swap them at
// runtime via Apply(). A zero-value Logger is a safe no-op, which keeps
// plumbing through constructors painless.
package logx
