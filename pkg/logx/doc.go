// Package logx configures app-sign's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, one file per calendar day
//     (app_sign_logs_YYYYMMDD.log), recreated transparently when the
//     active file is deleted out from under the process, purged past the
//     retention window
package logx
