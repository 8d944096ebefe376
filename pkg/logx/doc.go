// Package logx wraps zerolog behind a small value-type Logger with
// hot-swappable sinks (console, file, and a rate-limited relay into the
// moderation log channel).
//
// The zero Logger value is a safe no-op, so components can hold a Logger
// field without nil checks.
package logx
