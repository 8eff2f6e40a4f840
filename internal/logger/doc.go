// Package logger wraps a zap SugaredLogger with:
//   - a global console logger writing to stderr, so archive paths printed on
//     stdout stay machine readable,
//   - context helpers that carry a named, field-enriched logger through a
//     packaging run (WithName/WithKV/FromContext),
//   - level parsing for the log_level setting.
package logger
