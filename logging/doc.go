// Package logging provides a minimal logging interface and adapters for agentloop.
//
// The Logger interface defines the standard leveled methods (Debug, Info, Warn,
// Error) used by the orchestrator, adapters and tool gate. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - New, building a JSON or text slog handler on stdout, stderr or a
//     size-rotated file
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger, closer, err := logging.New(logging.Config{Level: "info", Format: "json"})
//	if err != nil { ... }
//	defer closer.Close()
//
// Event names are dotted ("flow.state", "tool.gate.executed") and attributes
// are passed as alternating key/value pairs.
package logging
