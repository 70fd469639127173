/*
Package log provides structured logging for iobench using zerolog.

The package wraps zerolog to give every master and service process
structured logs (JSON, or console output when JSONOutput is false) with
component-specific child loggers, a configurable
level, and helper functions for the handful of logging patterns iobench
actually needs.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers:

	coordLog := log.WithComponent("coordinator")
	coordLog.Info().Msg("starting benchmark run")

	rankLog := log.WithRank(3)
	rankLog.Debug().Msg("worker prepared")

	hostLog := log.WithHost("10.0.0.5")
	hostLog.Warn().Msg("slow PREPAREPHASE reply")

	phaseLog := log.WithPhase("CreateFiles")
	phaseLog.Info().Msg("phase started")

Package-level shortcuts (log.Info/Debug/Warn/Error/Fatal) write to the
global logger without a component field; prefer a component logger inside
any package that has an obvious name for one (coordinator, controlserver,
remoteworker, workerpool, s3upload).

# Log Levels

Debug is for development and troubleshooting, Info is the default
production level, Warn covers recoverable anomalies (a host not responding
to STATUS, rotate-hosts suppressed under net-bench), Error covers phase and
worker failures, and Fatal exits the process - reserved for configuration
errors discovered before any worker has started.
*/
package log
