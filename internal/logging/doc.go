// Package logging configures structured slog logging for indexsync.
// Logs are JSON lines written to a size-rotated file under the data
// directory and, optionally, mirrored to stderr.
package logging
