package application

import "log/slog"

// ResolveLogger returns the provided logger or the process default.
func ResolveLogger(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
