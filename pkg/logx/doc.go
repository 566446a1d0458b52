// Package logx configures watchbot's structured logging.
//
// A small value type (logx.Logger) sits on top of zerolog so that:
//   - console output stays readable (short timestamp + file:line caller)
//   - file output is JSON
//   - WARN+ lines can optionally be forwarded to an operator chat, rate limited
package logx
