// Package partiality implements the Ewald-sphere excitation-error model
// used to predict which reflections a still exposure sweeps through and
// what fraction of each reflection's full intensity ("partiality") the
// exposure captures.
package partiality

import (
	"math"

	"github.com/grailbio/xfel/cell"
)

// MinPartiality is the floor below which a predicted reflection is
// considered unobserved by this exposure (spec.md §4.4 default 0.05).
const MinPartiality = 0.05

// Ramp evaluates the cubic partiality ramp p(q) = 3q^2 - 2q^3 at
// q = (rExcit + r) / (2r), clamped into [0,1] before the cubic is applied
// (spec.md §4.3). It returns both the clamped ramp value and whether the
// input saturated the clamp, since the post-refiner needs to know when a
// gradient contribution from this endpoint must be dropped.
func Ramp(rExcit, r float64) (value float64, clamped bool) {
	q := (rExcit + r) / (2 * r)
	switch {
	case q <= 0:
		return 0, true
	case q >= 1:
		return 1, true
	default:
		return 3*q*q - 2*q*q*q, false
	}
}

// RampGradient returns dp/d(rExcit) of Ramp at the same point, which is
// zero whenever Ramp's clamp saturated (spec.md §4.6 step 2).
func RampGradient(rExcit, r float64) float64 {
	q := (rExcit + r) / (2 * r)
	if q <= 0 || q >= 1 {
		return 0
	}
	// dp/dq = 6(q - q^2); dq/d(rExcit) = 1/(2r).
	return 6 * (q - q*q) / (2 * r)
}

// Partiality combines the entering (r1) and exiting (r2) excitation errors
// into the fraction of the reflection's full intensity this exposure
// captured: the sweep from r1 to r2 overlaps the Ewald band [-r, r] by the
// difference of the two ramp values.
func Partiality(r1, r2, r float64) (p float64, clampLow, clampHigh bool) {
	lo, clampLow := Ramp(r1, r)
	hi, clampHigh := Ramp(r2, r)
	p = hi - lo
	if p < 0 {
		p = 0
	}
	return p, clampLow, clampHigh
}

// Geometry captures the intermediate quantities of the excitation-error
// model that the post-refiner needs to build ∂r_excit/∂parameter without
// recomputing them: the reciprocal vector itself, the two bandwidth-shifted
// wavenumbers, and sin/cos of the divergence half-angle.
type Geometry struct {
	Q               [3]float64
	K0Low, K0High   float64 // 1/lambda at the entering/exiting bandwidth edge
	SinHalf, CosHalf float64 // sin(div/2), cos(div/2)
}

// ExcitationErrors returns the excitation error at the nominal beam
// direction/wavelength, the entering (r1) and exiting (r2) excitation
// errors after accounting for beam divergence and bandwidth smearing over
// the exposure, and the Geometry needed to differentiate r1/r2 with
// respect to a crystal's refinable parameters.
//
// This module works in the thin-Ewald-sphere (small excitation error)
// approximation: for a reciprocal vector q with the incident beam along
// +z and k0 = 1/wavelength,
//
//	r_excit(q, k0) ~= qz + |q|^2 / (2 k0)
//
// Divergence is modelled as a beam tilt of +-div/2 about the y axis, so
// the incident direction becomes n(phi) = (sin(phi), 0, cos(phi)) and
// r_excit(phi) ~= q.n(phi) + |q|^2/(2 k0) = qx*sin(phi) + qz*cos(phi) +
// |q|^2/(2 k0), evaluated at phi = -div/2 (entering) and phi = +div/2
// (exiting). Bandwidth shifts k0 by +-bw/2 at the same two endpoints. This
// is the form spec.md §4.6 calls out explicitly ("via sin(div/2) and
// cos(div/2)").
func ExcitationErrors(q [3]float64, wavelength, div, bw float64) (nominal, r1, r2 float64, geom Geometry) {
	k0 := 1 / wavelength
	q2 := q[0]*q[0] + q[1]*q[1] + q[2]*q[2]
	nominal = q[2] + q2/(2*k0)

	sh, ch := math.Sin(div/2), math.Cos(div/2)
	k0Low := 1 / (wavelength * (1 - bw/2))
	k0High := 1 / (wavelength * (1 + bw/2))

	r1 = -q[0]*sh + q[2]*ch + q2/(2*k0Low)
	r2 = q[0]*sh + q[2]*ch + q2/(2*k0High)

	geom = Geometry{Q: q, K0Low: k0Low, K0High: k0High, SinHalf: sh, CosHalf: ch}
	return nominal, r1, r2, geom
}

// DR1DBasis and DR2DBasis return d(r1)/d(param) and d(r2)/d(param) for a
// reciprocal-basis component, where comp is 0/1/2 for x/y/z and m is the
// reflection index multiplying that basis vector (h for a*, k for b*, l
// for c*).
func (g Geometry) DR1DBasis(comp int, m float64) float64 {
	qdDq := m * g.Q[comp] // q . d(q)/d(param) for this basis component
	term := qdDq / g.K0Low
	switch comp {
	case 0:
		return -g.SinHalf*m + term
	case 2:
		return g.CosHalf*m + term
	default:
		return term
	}
}

func (g Geometry) DR2DBasis(comp int, m float64) float64 {
	qdDq := m * g.Q[comp]
	term := qdDq / g.K0High
	switch comp {
	case 0:
		return g.SinHalf*m + term
	case 2:
		return g.CosHalf*m + term
	default:
		return term
	}
}

// DR1DDiv and DR2DDiv return d(r1)/d(div) and d(r2)/d(div).
func (g Geometry) DR1DDiv() float64 {
	return -0.5 * (g.Q[0]*g.CosHalf + g.Q[2]*g.SinHalf)
}

func (g Geometry) DR2DDiv() float64 {
	return 0.5 * (g.Q[0]*g.CosHalf - g.Q[2]*g.SinHalf)
}

// RampGradientR returns the direct partial derivative of Ramp with respect
// to the profile radius r, holding rExcit fixed: dp/dq * dq/dr where
// q = (rExcit+r)/(2r), so dq/dr = -rExcit/(2r^2). It is zero whenever
// Ramp's clamp saturated, matching RampGradient.
func RampGradientR(rExcit, r float64) float64 {
	q := (rExcit + r) / (2 * r)
	if q <= 0 || q >= 1 {
		return 0
	}
	dpdq := 6 * (q - q*q)
	dqdr := -rExcit / (2 * r * r)
	return dpdq * dqdr
}

// Lorentz returns the Lorentz geometric correction factor for a reflection
// at resolution s (1/d), using the standard rotation-method form
// L = 1/(2 sin(theta) cos(theta)) with sin(theta) = wavelength * s / 2
// (Bragg's law). Reflections at the direct beam (s=0) have no defined
// Lorentz factor; callers must exclude them before calling this.
func Lorentz(s, wavelength float64) float64 {
	sinTheta := wavelength * s / 2
	if sinTheta <= 0 {
		return 0
	}
	if sinTheta >= 1 {
		sinTheta = 1
	}
	cosTheta := math.Sqrt(1 - sinTheta*sinTheta)
	if cosTheta <= 0 {
		return math.Inf(1)
	}
	return 1 / (2 * sinTheta * cosTheta)
}

// Prediction is one predicted reflection: its indices, partiality, Lorentz
// factor and the clamp state of each sweep endpoint.
type Prediction struct {
	H, K, L             int
	P                   float64
	Lorentz             float64
	S                   float64
	ClampLow, ClampHigh bool
	R1, R2              float64
}

// Predict enumerates every reflection within resolution cutoff sMax whose
// Ewald-sphere sweep gives a partiality >= minPartiality, for the given
// reciprocal cell, beam wavelength, divergence, bandwidth and profile
// radius. minPartiality <= 0 is treated as MinPartiality.
func Predict(c cell.Cell, wavelength, div, bw, r, sMax, minPartiality float64) []Prediction {
	if minPartiality <= 0 {
		minPartiality = MinPartiality
	}

	// Bound the h,k,l search box: the shortest reciprocal basis vector
	// length gives the coarsest spacing, and s = |q|/2, so
	// 2*sMax/|shortest basis vector| bounds how many steps along any one
	// axis can stay within the resolution sphere.
	lens := [3]float64{vecLen(c.AStar), vecLen(c.BStar), vecLen(c.CStar)}
	minLen := lens[0]
	for _, l := range lens[1:] {
		if l < minLen {
			minLen = l
		}
	}
	if minLen <= 0 {
		return nil
	}
	bound := int(math.Ceil(2*sMax/minLen)) + 1

	var out []Prediction
	for h := -bound; h <= bound; h++ {
		for k := -bound; k <= bound; k++ {
			for l := -bound; l <= bound; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				q := c.ReciprocalVector(h, k, l)
				s := vecLen(q) / 2
				if s > sMax {
					continue
				}
				_, r1, r2, _ := ExcitationErrors(q, wavelength, div, bw)
				if r1 > r2 {
					r1, r2 = r2, r1
				}
				p, clampLow, clampHigh := Partiality(r1, r2, r)
				if p < minPartiality {
					continue
				}
				out = append(out, Prediction{
					H: h, K: k, L: l,
					P:         p,
					Lorentz:   Lorentz(s, wavelength),
					S:         s,
					ClampLow:  clampLow,
					ClampHigh: clampHigh,
					R1:        r1,
					R2:        r2,
				})
			}
		}
	}
	return out
}

func vecLen(v [3]float64) float64 {
	return math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
}
