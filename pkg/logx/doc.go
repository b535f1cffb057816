// Package logx configures nightpilot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated (lumberjack)
//   - An optional event sink (min-level + rate limiting) so front ends can
//     surface warnings without tailing files
package logx
