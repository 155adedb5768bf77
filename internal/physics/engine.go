// Package physics implements the crankshaft-piston mechanism model that
// drives the digital twin: a fixed-timestep integrator that turns an RPM
// target into rotating-assembly stress and crank-slider inertial forces,
// publishing one StatePayload per tick for lock-free consumption by many
// readers.
package physics

import (
	"math"
	"sync/atomic"

	"github.com/taranbis/digital-twin/internal/history"
	"github.com/taranbis/digital-twin/internal/protocol"
)

const (
	// Rotating assembly (centrifugal stress model).
	kMass   = 2.5
	kRadius = 0.08
	kArea   = 0.0004

	// Crank-slider mechanism.
	kCrankThrow   = 0.04  // 40 mm throw -> 80 mm stroke
	kConRodLength = 0.128 // 128 mm connecting rod
	kPistonMass   = 0.4   // 400 g piston + wrist pin
	kLambda       = kCrankThrow / kConRodLength

	kTau        = 0.35
	kRpmMin     = 0.0
	kRpmMax     = 8000.0
	kDefaultRpm = 1200.0
	kTwoPi      = 2.0 * math.Pi
	kDt         = 0.01 // 100 Hz

	// DefaultHistorySize is used by NewEngine when the caller passes a
	// non-positive capacity; it covers 10s of retained telemetry at the
	// 100 Hz tick rate.
	DefaultHistorySize = 1000
)

// Engine is the sole mutator of the mechanism's rotating state. Step is
// meant to be called from exactly one goroutine (the tick driver); the RPM
// target and the latest snapshot are published through atomics so any
// number of reader goroutines can observe them without locking.
type Engine struct {
	rpmTarget atomic.Uint64 // bits of a float64, clamped to [kRpmMin, kRpmMax]
	latest    atomic.Pointer[protocol.StatePayload]

	stressMaxPa float64
	history     *history.Ring

	// Mutated only by Step; never read concurrently with a Step call.
	rpm              float64
	angleRad         float64
	omegaRadS        float64
	stressPa         float64
	stressFactor     float64
	pistonForceN     float64
	rodForceN        float64
	tangentialForceN float64
	torqueNm         float64
	sideThrustN      float64
}

// NewEngine constructs an engine at rest with the default RPM target and an
// empty history ring sized to hold historyCapacity samples. A non-positive
// historyCapacity falls back to DefaultHistorySize.
func NewEngine(historyCapacity int) *Engine {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistorySize
	}
	e := &Engine{
		stressMaxPa: computeStressMaxPa(),
		history:     history.NewRing(historyCapacity),
	}
	e.rpmTarget.Store(math.Float64bits(kDefaultRpm))
	e.latest.Store(&protocol.StatePayload{})
	return e
}

// computeStressMaxPa is the centrifugal stress at kRpmMax, used to derive
// the normalized StressFactor reported to clients.
func computeStressMaxPa() float64 {
	omegaMax := kRpmMax * kTwoPi / 60.0
	forceMax := kMass * kRadius * omegaMax * omegaMax
	return forceMax / kArea
}

// SetRPMTarget clamps target to the mechanism's operating range and
// publishes it for the next Step call to pick up. Safe to call from any
// goroutine.
func (e *Engine) SetRPMTarget(target float64) {
	target = clamp(target, kRpmMin, kRpmMax)
	e.rpmTarget.Store(math.Float64bits(target))
}

// RPMTarget returns the most recently published target. Safe to call from
// any goroutine.
func (e *Engine) RPMTarget() float64 {
	return math.Float64frombits(e.rpmTarget.Load())
}

// Step advances the mechanism by one fixed timestep (kDt), pushes the
// resulting sample onto the history ring, and atomically publishes it as
// the latest snapshot. nowMs is the monotonic timestamp, in milliseconds, to
// stamp the resulting sample with. Step must be called from a single
// goroutine.
func (e *Engine) Step(nowMs uint64) {
	//1.- Smooth the RPM response toward the published target.
	target := e.RPMTarget()
	alpha := 1.0 - math.Exp(-kDt/kTau)
	e.rpm += (target - e.rpm) * alpha
	e.rpm = clamp(e.rpm, kRpmMin, kRpmMax)
	e.omegaRadS = e.rpm * kTwoPi / 60.0

	//2.- Integrate the crank angle, wrapping into [0, 2*pi).
	e.angleRad = math.Mod(e.angleRad+e.omegaRadS*kDt, kTwoPi)
	if e.angleRad < 0.0 {
		e.angleRad += kTwoPi
	}

	//3.- Centrifugal stress on the rotating assembly, normalized against
	// the stress at the mechanism's rated maximum RPM.
	force := kMass * kRadius * e.omegaRadS * e.omegaRadS
	e.stressPa = force / kArea
	e.stressFactor = clamp(e.stressPa/e.stressMaxPa, 0.0, 1.0)

	//4.- Piston acceleration via the second-order crank-slider approximation:
	// a = -R*omega^2*(cos(theta) + lambda*cos(2*theta)).
	omega2 := e.omegaRadS * e.omegaRadS
	cosTheta := math.Cos(e.angleRad)
	sinTheta := math.Sin(e.angleRad)
	pistonAccel := -kCrankThrow * omega2 * (cosTheta + kLambda*math.Cos(2.0*e.angleRad))
	e.pistonForceN = kPistonMass * pistonAccel

	//5.- Connecting rod angle off the bore axis: phi = asin(lambda*sin(theta)).
	sinPhi := clamp(kLambda*sinTheta, -1.0, 1.0)
	phi := math.Asin(sinPhi)
	cosPhi := math.Cos(phi)

	//6.- Rod force along the rod axis, tangential force at the crank pin,
	// resulting torque, and cylinder-wall side thrust.
	if cosPhi > 1e-4 {
		e.rodForceN = e.pistonForceN / cosPhi
		e.sideThrustN = e.pistonForceN * sinPhi / cosPhi
	} else {
		e.rodForceN = 0.0
		e.sideThrustN = 0.0
	}
	thetaPlusPhi := e.angleRad + phi
	e.tangentialForceN = e.rodForceN * math.Sin(thetaPlusPhi)
	e.torqueNm = e.tangentialForceN * kCrankThrow

	//7.- Stamp, retain, and publish the resulting sample.
	sample := protocol.StatePayload{
		Rpm:              e.rpm,
		AngleRad:         e.angleRad,
		StressPa:         e.stressPa,
		StressFactor:     e.stressFactor,
		PistonForceN:     e.pistonForceN,
		RodForceN:        e.rodForceN,
		TangentialForceN: e.tangentialForceN,
		TorqueNm:         e.torqueNm,
		SideThrustN:      e.sideThrustN,
		TimestampMs:      nowMs,
	}
	e.history.Push(sample)
	e.latest.Store(&sample)
}

// Snapshot returns the most recently published sample. Safe to call from
// any goroutine, including concurrently with Step.
func (e *Engine) Snapshot() protocol.StatePayload {
	return *e.latest.Load()
}

// History exposes the retained telemetry ring. Only the tick driver ever
// mutates it (via Step); readers must treat it as read-only.
func (e *Engine) History() *history.Ring {
	return e.history
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
