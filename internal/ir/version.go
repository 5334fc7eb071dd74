package ir

// Version constants for the IR schema, the package record format and the
// engine.
const (
	// IRVersion is the IR schema version.
	IRVersion = "1"

	// PackageFormatVersion is the version byte written after the package
	// record magic.
	PackageFormatVersion = 1

	// EngineVersion is the rete engine version.
	EngineVersion = "0.1.0"
)
