// Package logx configures tickq's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Loggers stable across runtime reconfiguration (Service.Apply)
package logx
