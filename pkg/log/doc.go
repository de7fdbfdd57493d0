/*
Package log provides structured logging for the silo runtime using zerolog.

The log package wraps zerolog to give every other package in this module a
shared global Logger, one helper for tagging a log line with the emitting
component, and one helper for tagging a child logger with whichever of the
runtime's three addressable identities (silo, grain, activation) that call
site holds.

# Architecture

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("router")                  │          │
	│  │  - WithAddress(SiloField, "10.0.0.5:7400")  │          │
	│  │  - WithAddress(GrainField, "Account/a1")    │          │
	│  │  - WithAddress(ActivationField, "act-123")  │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

Initializing the logger:

	import "github.com/grainhive/grainhive/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers, as used by pkg/transport:

	routerLog := log.WithComponent("router")
	routerLog.Info().Msg("router started")

Address-scoped loggers (pkg/silo tags its per-silo logger with the same
SiloField key, on the logger it is given rather than through WithAddress):

	siloLog := log.WithComponent("silo")
	siloLog = siloLog.With().Str(string(log.SiloField), self.String()).Logger()

	activationLog := log.WithAddress(log.ActivationField, address.String())
	activationLog.Debug().Msg("turn started")

# Design notes

The global Logger plus two narrow helpers (WithComponent, WithAddress) is
the entire surface: every call site that needs more structure than that
chains zerolog's own .With().Str(...)/.Int(...) directly, the way
pkg/router and pkg/silo already do for per-message fields like rejection
kind or correlation ID. A wider convenience API (package-level Info/Warn/
Error passthroughs, a separate WithX per address kind) was tried and
dropped: nothing in this module called through the global logger instead
of a component or address logger, and three near-identical WithX
functions were better expressed as one field-keyed helper.

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
