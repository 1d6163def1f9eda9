package svcfields

import (
	"context"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the log key carrying the dot-delimited subsystem path.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem joins parts into a dot path, skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem tags every entry written through logger with subsystem.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// FromContext returns the request logger on ctx, falling back to fallback and
// finally to a no-op logger.
func FromContext(ctx context.Context, fallback pslog.Logger) pslog.Logger {
	if ctx != nil {
		if l := pslog.LoggerFromContext(ctx); l != nil {
			return l
		}
	}
	if fallback != nil {
		return fallback
	}
	return pslog.NoopLogger()
}
