// Package logx configures notebookrunner's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller) on stderr,
//     leaving stdout for command results
//   - File output JSON-structured
//   - Runtime reconfiguration (Service.Apply) when the config file reloads
package logx
