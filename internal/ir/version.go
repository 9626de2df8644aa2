package ir

// Version constants for the wire format and engine.
const (
	// WireVersion is the Event payload version.
	WireVersion = "1"

	// EngineVersion is the tarn engine version.
	EngineVersion = "0.1.0"
)
