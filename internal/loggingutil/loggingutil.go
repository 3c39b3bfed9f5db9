// Package loggingutil holds the small helpers every chainspace component uses
// to obtain a usable pslog.Logger and tag it with a subsystem path.
package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the canonical key for subsystem tags.
const SubsystemKey = pslog.TrustedString("sys")

// NoopLogger returns a disabled logger that discards all entries.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins parts into a dot-delimited subsystem path, skipping empty
// fragments.
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

// WithSubsystem attaches a subsystem tag to every entry written through the
// returned logger. An empty subsystem returns the logger unchanged.
func WithSubsystem(l pslog.Logger, subsystem string) pslog.Logger {
	l = EnsureLogger(l)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return l
	}
	return l.With(SubsystemKey, subsystem)
}
