// Package scale implements the per-crystal Wilson-style scale (G) and
// temperature (B) factor fit of spec.md §4.5.
package scale

import (
	"math"

	"github.com/grailbio/xfel/reflection"
	"github.com/grailbio/xfel/xtal"
	"gonum.org/v1/gonum/stat"
)

// Config holds the tunables that govern the scaler, mirroring the
// Opts/DefaultOpts pattern of pileup/snp.Opts.
type Config struct {
	MinPartiality float64 // spec.md min_partiality_scale, default 0.05
	MinSigma      float64 // "|I_obs| >= 5 sigma" cutoff, default 5
	MinFit        int     // spec.md "n_fit >= 2"
	GMax          float64 // spec.md scale_bounds upper G, default 10
	BMax          float64 // spec.md scale_bounds |B| limit, default 40e-20
}

// DefaultConfig matches the literal defaults in spec.md §4.5/§6.
var DefaultConfig = Config{
	MinPartiality: 0.05,
	MinSigma:      5,
	MinFit:        2,
	GMax:          10,
	BMax:          40e-20,
}

// Result reports what One did for a single crystal, for diagnostics.
type Result struct {
	Fitted bool
	NFit   int
	G, B   float64
}

// One performs the weighted linear regression
//
//	y_i = ln(I_obs_i / (L_i * I_ref_i))  against  x_i = s_i^2
//
// over c's observations with p >= cfg.MinPartiality, |I_obs| >= cfg.MinSigma
// * sigma, and a matching entry in ref. G = exp(-intercept), B = -slope/2.
// If fewer than cfg.MinFit observations qualify, or the resulting G/B fall
// outside the configured bounds, c is flagged FlagRejectedCycle and its G/B
// are left untouched (spec.md §7: a numerical failure in a crystal is
// recovered locally, never propagated as an error).
func One(c *xtal.Crystal, ref *reflection.Table, asu func(h, k, l int) (int, int, int), cfg Config) Result {
	if c.Flag.Rejected() {
		return Result{}
	}

	var xs, ys, ws []float64
	for i := range c.Obs {
		o := &c.Obs[i]
		if o.P < cfg.MinPartiality {
			continue
		}
		if math.Abs(o.I) < cfg.MinSigma*o.SigI {
			continue
		}
		h, k, l := asu(o.H, o.K, o.L)
		e := ref.Find(reflection.Key{H: int32(h), K: int32(k), L: int32(l)})
		if e == nil {
			// Expected: a scalable observation without a reference merged
			// value cannot contribute (spec.md §7).
			continue
		}
		e.Lock()
		iRef := e.IFull
		e.Unlock()
		if iRef <= 0 || o.L_ <= 0 {
			continue
		}

		y := math.Log(o.I / (o.L_ * iRef))
		if math.IsNaN(y) || math.IsInf(y, 0) {
			continue
		}
		xs = append(xs, o.S*o.S)
		ys = append(ys, y)
		// Weight by inverse variance in log-intensity space, propagated
		// from sigma_I via d(ln I)/dI = 1/I.
		sigY := o.SigI / math.Abs(o.I)
		if sigY <= 0 {
			sigY = 1
		}
		ws = append(ws, 1/(sigY*sigY))
	}

	if len(xs) < cfg.MinFit {
		c.Flag = xtal.FlagRejectedCycle
		return Result{NFit: len(xs)}
	}

	intercept, slope := stat.LinearRegression(xs, ys, ws, false)
	g := math.Exp(-intercept)
	b := -slope / 2

	if !(g > 0) || g > cfg.GMax || math.IsInf(g, 0) || math.Abs(b) > cfg.BMax || math.IsNaN(b) {
		c.Flag = xtal.FlagRejectedCycle
		return Result{NFit: len(xs)}
	}

	c.G, c.B = g, b
	return Result{Fitted: true, NFit: len(xs), G: g, B: b}
}

// Scaled returns the fully corrected measurement
//
//	I_scaled = I_obs * G * exp(2*B*s^2) / (p * L)
//
// used by the merger.
func Scaled(o *xtal.Observation, g, b float64) float64 {
	return o.I * g * math.Exp(2*b*o.S*o.S) / (o.P * o.L_)
}
