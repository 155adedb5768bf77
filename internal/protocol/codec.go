package protocol

import (
	"encoding/json"
	"strconv"
)

// Encode writes the JSON wire frame for payload directly into dst and
// returns the number of bytes written. It returns 0 if dst's capacity is
// too small to hold the frame, in which case dst may hold a partial frame
// and its contents must be ignored. The
// success path never reallocates: it appends onto dst[:0] and relies on
// the caller supplying a region backed by a large enough array (a pool
// slot), so no heap allocation occurs per broadcast tick.
func Encode(dst []byte, payload StatePayload) int {
	cap0 := cap(dst)

	buf := dst[:0]
	buf = append(buf, `{"type":"state","payload":{"rpm":`...)
	buf = strconv.AppendFloat(buf, payload.Rpm, 'f', 2, 64)
	buf = append(buf, `,"angle_rad":`...)
	buf = strconv.AppendFloat(buf, payload.AngleRad, 'f', 6, 64)
	buf = append(buf, `,"stress_pa":`...)
	buf = strconv.AppendFloat(buf, payload.StressPa, 'f', 2, 64)
	buf = append(buf, `,"stress_factor":`...)
	buf = strconv.AppendFloat(buf, payload.StressFactor, 'f', 6, 64)
	buf = append(buf, `,"piston_force_n":`...)
	buf = strconv.AppendFloat(buf, payload.PistonForceN, 'f', 2, 64)
	buf = append(buf, `,"rod_force_n":`...)
	buf = strconv.AppendFloat(buf, payload.RodForceN, 'f', 2, 64)
	buf = append(buf, `,"tangential_force_n":`...)
	buf = strconv.AppendFloat(buf, payload.TangentialForceN, 'f', 2, 64)
	buf = append(buf, `,"torque_nm":`...)
	buf = strconv.AppendFloat(buf, payload.TorqueNm, 'f', 4, 64)
	buf = append(buf, `,"side_thrust_n":`...)
	buf = strconv.AppendFloat(buf, payload.SideThrustN, 'f', 2, 64)
	buf = append(buf, `,"timestamp_ms":`...)
	buf = strconv.AppendUint(buf, payload.TimestampMs, 10)
	buf = append(buf, `}}`...)

	if cap(buf) != cap0 {
		// append outgrew dst and reallocated a detached array; the frame
		// never landed in the caller's region.
		return 0
	}
	return len(buf)
}

// stateEnvelope mirrors the outbound frame shape for decode-side tests and
// any consumer that prefers encoding/json over Encode's hot-path writer.
type stateEnvelope struct {
	Type    string       `json:"type"`
	Payload StatePayload `json:"payload"`
}

// MarshalJSON implements json.Marshaler for StatePayload so round-trip
// tooling outside the hot path can rely on encoding/json directly.
func (p StatePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Rpm              float64 `json:"rpm"`
		AngleRad         float64 `json:"angle_rad"`
		StressPa         float64 `json:"stress_pa"`
		StressFactor     float64 `json:"stress_factor"`
		PistonForceN     float64 `json:"piston_force_n"`
		RodForceN        float64 `json:"rod_force_n"`
		TangentialForceN float64 `json:"tangential_force_n"`
		TorqueNm         float64 `json:"torque_nm"`
		SideThrustN      float64 `json:"side_thrust_n"`
		TimestampMs      uint64  `json:"timestamp_ms"`
	}{
		p.Rpm, p.AngleRad, p.StressPa, p.StressFactor, p.PistonForceN,
		p.RodForceN, p.TangentialForceN, p.TorqueNm, p.SideThrustN, p.TimestampMs,
	})
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type setRpmPayload struct {
	RpmTarget *float64 `json:"rpm_target"`
}

type replayPayload struct {
	Mode string  `json:"mode"`
	TMs  *uint64 `json:"t_ms"`
}

// Decode parses one inbound control frame. Malformed JSON, a missing
// "type" discriminator, an unrecognized type, or a missing/malformed
// required field all yield a ClientMessage with Kind == KindUnknown;
// callers are expected to drop those silently.
func Decode(raw []byte) ClientMessage {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ClientMessage{Kind: KindUnknown}
	}

	switch env.Type {
	case "set_rpm":
		var p setRpmPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.RpmTarget == nil {
			return ClientMessage{Kind: KindUnknown}
		}
		return ClientMessage{Kind: KindSetRpm, RpmTarget: *p.RpmTarget}
	case "replay":
		var p replayPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ClientMessage{Kind: KindUnknown}
		}
		mode, ok := parseReplayMode(p.Mode)
		if !ok {
			return ClientMessage{Kind: KindUnknown}
		}
		msg := ClientMessage{Kind: KindReplay, ReplayMode: mode}
		if p.TMs != nil {
			msg.ReplayTMs = *p.TMs
			msg.HasTMs = true
		}
		return msg
	default:
		return ClientMessage{Kind: KindUnknown}
	}
}

func parseReplayMode(s string) (ReplayMode, bool) {
	switch ReplayMode(s) {
	case ReplayLive:
		return ReplayLive, true
	case ReplayFreeze:
		return ReplayFreeze, true
	case ReplaySeek:
		return ReplaySeek, true
	default:
		return "", false
	}
}
