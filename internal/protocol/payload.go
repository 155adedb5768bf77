// Package protocol defines the wire types exchanged with dashboard clients
// and the codec that encodes/decodes them. Outbound encoding writes directly
// into a caller-supplied byte region (see Encode); inbound decoding parses a
// text frame into a discriminated ClientMessage (see Decode).
package protocol

// StatePayload is the atomic unit of telemetry broadcast once per tick. It
// is copy-trivial and fixed-width, suitable for atomic publication by the
// physics engine.
type StatePayload struct {
	Rpm              float64
	AngleRad         float64
	StressPa         float64
	StressFactor     float64
	PistonForceN     float64
	RodForceN        float64
	TangentialForceN float64
	TorqueNm         float64
	SideThrustN      float64
	TimestampMs      uint64
}

// Kind discriminates the recognized inbound control frame types.
type Kind int

const (
	// KindUnknown covers malformed JSON, missing required fields, and any
	// unrecognized "type" value. Frames of this kind are silently dropped.
	KindUnknown Kind = iota
	KindSetRpm
	KindReplay
)

// ReplayMode enumerates the recognized modes of a replay control frame.
type ReplayMode string

const (
	ReplayLive   ReplayMode = "live"
	ReplayFreeze ReplayMode = "freeze"
	ReplaySeek   ReplayMode = "seek"
)

// ClientMessage is the decoded form of one inbound control frame.
type ClientMessage struct {
	Kind Kind

	// Populated when Kind == KindSetRpm.
	RpmTarget float64

	// Populated when Kind == KindReplay.
	ReplayMode ReplayMode
	ReplayTMs  uint64
	HasTMs     bool
}
