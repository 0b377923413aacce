// Package logx configures the dispatcher's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A safe zero value (no-op) so components can log before wiring
package logx
