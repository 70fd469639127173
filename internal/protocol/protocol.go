// Package protocol holds the HTTP control-protocol constants shared by
// internal/controlserver (the service side) and internal/remoteworker (the
// master side), so the two can never drift apart.
package protocol

// Version is the compiled-in control protocol version. PREPAREFILE,
// PREPAREPHASE and STARTPHASE requests carry it, and a service rejects one
// whose version does not match with a 400 and a diagnostic body.
// INTERRUPTPHASE carries no version and is not checked.
const Version = "v1"

// HTTP control-plane paths.
const (
	PathInfo            = "/info"
	PathProtocolVersion = "/protocolversion"
	PathStatus          = "/status"
	PathBenchResult     = "/benchresult"
	PathPrepareFile     = "/preparefile"
	PathPreparePhase    = "/preparephase"
	PathStartPhase      = "/startphase"
	PathInterruptPhase  = "/interruptphase"
)

// Query parameter names.
const (
	QueryProtocolVersion = "protocolversion"
	QueryFilename        = "filename"
	QueryBenchPhaseCode  = "benchphasecode"
	QueryBenchID         = "benchid"
	QueryQuit            = "quit"
)
