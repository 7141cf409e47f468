// Package logx configures ilswbot's structured logging.
//
// Logger is a small wrapper on top of zerolog that keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and rotated
//   - An optional Telegram operator sink (min-level + rate limiting)
package logx
