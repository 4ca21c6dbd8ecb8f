// Package logx configures deptnotify's structured logging.
//
// A thin wrapper (logx.Logger) over zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one event per line
//   - Live reconfiguration: loggers derived from a Service follow Apply()
package logx
