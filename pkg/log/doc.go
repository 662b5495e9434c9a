/*
Package log provides structured logging for aidentd using zerolog.

Output always targets stderr by default, never stdout: stdout carries the
RFC 1413 response line, so logging never shares that stream. Config.Output
selects a different writer.

# Usage

	log.Init(log.Config{
		Level:      log.LevelFromVerbosity(verbosity),
		JSONOutput: jsonLogs,
	})

	log.Notice("ident query from 10.0.0.5: our port 22 to remote port 34567")
	log.WithComponent("conntrack").Debug().Str("line", rawLine).Msg("skipping unparseable line")

# Verbosity

The daemon's -v/-q flags accumulate into a single verbosity counter passed to
LevelFromVerbosity; 0 corresponds to the original C daemon's default
"notice" threshold.
*/
package log
