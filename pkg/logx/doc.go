// Package logx configures claimbot's structured logging.
//
// Components take a logx.Logger value (zerolog underneath) and derive their
// own with With(logx.String("comp", "...")). Sinks:
//   - console (short timestamp, short caller, colour only on a TTY)
//   - JSON file
//   - optional chat sink that forwards warn+ lines to a log channel
package logx
