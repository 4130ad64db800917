// Package logx configures hookpost's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller) on stderr
//   - JSON output available for machines (--log-json)
//   - Webhook URLs redacted unless explicitly disabled
//
// Stdout is reserved for command output (dry-run payloads), so no sink ever
// writes there.
package logx
