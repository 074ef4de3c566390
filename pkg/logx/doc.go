// Package logx configures courier's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Severity mapping for delivery failures (MEDIUM/HIGH/CRITICAL)
package logx
