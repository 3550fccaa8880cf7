// Package refine implements the per-crystal Gauss-Newton post-refinement
// of spec.md §4.6: adjusting a crystal's reciprocal basis, divergence and
// profile radius so that predicted partialities best explain the observed
// intensities against the shared reference.
package refine

import (
	"fmt"
	"math"

	"github.com/grailbio/xfel/partiality"
	"github.com/grailbio/xfel/reflection"
	"github.com/grailbio/xfel/xtal"
	"gonum.org/v1/gonum/mat"
)

// Config holds the post-refiner's tunables.
type Config struct {
	MaxCycles         int     // spec.md max_pr_cycles, default 10
	ShiftConvergence  float64 // spec.md pr_shift_convergence, default 0.01
}

// DefaultConfig matches spec.md §6 literal defaults.
var DefaultConfig = Config{MaxCycles: 10, ShiftConvergence: 0.01}

// paramUnit gives each of the 11 parameters a characteristic scale, used to
// row-scale the normal-equation system before the QR solve so that the 9
// cell components (of order 1e9-1e10 inverse metres) do not swamp DIV and R
// (of order 1e-3 to 1e7) in the conditioning of M (spec.md §9 "Gauss-Newton
// stability").
func paramUnit(p xtal.Param, c *xtal.Crystal) float64 {
	switch p {
	case xtal.ParamDiv:
		u := c.Div
		if u == 0 {
			u = 1e-3
		}
		return u
	case xtal.ParamR:
		u := c.R
		if u == 0 {
			u = 1e6
		}
		return u
	default:
		// Cell components: scale by the magnitude of the relevant basis
		// vector, falling back to a nominal 1e9 m^-1 if it is exactly zero
		// (only possible before the crystal has ever been indexed).
		basis, _, _ := component(p)
		b := [3][3]float64{c.AStar, c.BStar, c.CStar}[basis]
		v := math.Sqrt(b[0]*b[0] + b[1]*b[1] + b[2]*b[2])
		if v == 0 {
			v = 1e9
		}
		return v
	}
}

// Workspace holds the reusable 11x11 matrix and length-11 vector a worker
// keeps across every Gauss-Newton iteration of every crystal it refines,
// per spec.md §5's numerical resource policy of one matrix/vector per
// worker.
type Workspace struct {
	m *mat.Dense
	v *mat.VecDense
}

// NewWorkspace allocates a Workspace ready for reuse across many calls to
// One.
func NewWorkspace() *Workspace {
	n := xtal.NumParams
	return &Workspace{m: mat.NewDense(n, n, nil), v: mat.NewVecDense(n, nil)}
}

// Result reports what One did, for diagnostics.
type Result struct {
	Converged bool
	Cycles    int
	MaxShift  float64
}

// component maps a Param to which reciprocal-basis vector and axis it
// belongs to (returns ok=false for DIV/R).
func component(p xtal.Param) (basis int, axis int, ok bool) {
	switch p {
	case xtal.ParamASX:
		return 0, 0, true
	case xtal.ParamASY:
		return 0, 1, true
	case xtal.ParamASZ:
		return 0, 2, true
	case xtal.ParamBSX:
		return 1, 0, true
	case xtal.ParamBSY:
		return 1, 1, true
	case xtal.ParamBSZ:
		return 1, 2, true
	case xtal.ParamCSX:
		return 2, 0, true
	case xtal.ParamCSY:
		return 2, 1, true
	case xtal.ParamCSZ:
		return 2, 2, true
	default:
		return 0, 0, false
	}
}

// gradient returns dp/dParam for one observation, given its predicted
// geometry.
func gradient(p xtal.Param, hkl [3]int, r, rProfile float64, r1, r2 float64, geom partiality.Geometry) float64 {
	if p == xtal.ParamDiv {
		return partiality.RampGradient(r2, rProfile)*geom.DR2DDiv() -
			partiality.RampGradient(r1, rProfile)*geom.DR1DDiv()
	}
	if p == xtal.ParamR {
		return partiality.RampGradientR(r2, rProfile) - partiality.RampGradientR(r1, rProfile)
	}
	basis, axis, ok := component(p)
	if !ok {
		return 0
	}
	m := float64(hkl[basis])
	return partiality.RampGradient(r2, rProfile)*geom.DR2DBasis(axis, m) -
		partiality.RampGradient(r1, rProfile)*geom.DR1DBasis(axis, m)
}

// reciprocalVector returns h*a* + k*b* + l*c* for c's current reciprocal
// basis, evaluated here directly rather than through package cell.
func reciprocalVector(c *xtal.Crystal, h, k, l int) [3]float64 {
	hf, kf, lf := float64(h), float64(k), float64(l)
	return [3]float64{
		hf*c.AStar[0] + kf*c.BStar[0] + lf*c.CStar[0],
		hf*c.AStar[1] + kf*c.BStar[1] + lf*c.CStar[1],
		hf*c.AStar[2] + kf*c.BStar[2] + lf*c.CStar[2],
	}
}

// One runs up to cfg.MaxCycles Gauss-Newton iterations for a single
// crystal against the shared, immutable-for-this-phase reference table,
// using ws as scratch. asu folds raw indices into the asymmetric unit used
// to look the observation up in ref.
//
// On numerical failure (a non-finite shift, or a singular normal-equation
// system), c's parameters are reverted to their value on entry and c is
// flagged FlagRejectedCycle, per spec.md §4.6 "Failure".
func One(c *xtal.Crystal, ref *reflection.Table, asu func(h, k, l int) (int, int, int), ws *Workspace, cfg Config) Result {
	if c.Flag.Rejected() {
		return Result{}
	}

	saved := c.Save()
	n := xtal.NumParams
	units := make([]float64, n)
	for i := 0; i < n; i++ {
		units[i] = paramUnit(xtal.Param(i), c)
	}

	var result Result
	for cycle := 0; cycle < cfg.MaxCycles; cycle++ {
		result.Cycles = cycle + 1
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				ws.m.Set(i, j, 0)
			}
			ws.v.SetVec(i, 0)
		}

		nUsed := 0
		for oi := range c.Obs {
			o := &c.Obs[oi]
			h, k, l := asu(o.H, o.K, o.L)
			e := ref.Find(reflection.Key{H: int32(h), K: int32(k), L: int32(l)})
			if e == nil {
				continue
			}
			e.Lock()
			iFull := e.IFull
			e.Unlock()
			if iFull <= 0 {
				continue
			}

			q := reciprocalVector(c, o.H, o.K, o.L)
			_, r1, r2, geom := partiality.ExcitationErrors(q, c.Wavelength, c.Div, c.Bw)
			if r1 > r2 {
				r1, r2 = r2, r1
			}
			pPred, _, _ := partiality.Partiality(r1, r2, c.R)

			iPred := pPred * c.G * iFull
			delta := o.I - iPred
			nUsed++

			grads := make([]float64, n)
			for p := 0; p < n; p++ {
				if xtal.Param(p) == xtal.ParamExcluded {
					continue
				}
				g := gradient(xtal.Param(p), [3]int{o.H, o.K, o.L}, o.S, c.R, r1, r2, geom)
				// Row-scale: work in dimensionless shift units by scaling
				// the gradient by the parameter's characteristic unit, per
				// spec.md §9.
				grads[p] = g * iFull * units[p]
			}

			for gi := 0; gi < n; gi++ {
				if grads[gi] == 0 {
					continue
				}
				for ki := 0; ki < n; ki++ {
					if grads[ki] == 0 {
						continue
					}
					ws.m.Set(gi, ki, ws.m.At(gi, ki)+grads[gi]*grads[ki])
				}
				ws.v.SetVec(gi, ws.v.AtVec(gi)+delta*grads[gi])
			}
		}

		if nUsed == 0 {
			break
		}

		// The excluded parameter's row/column are identically zero; pin
		// them to an identity pivot so the system stays non-singular and
		// its solved shift is exactly zero.
		excluded := int(xtal.ParamExcluded)
		ws.m.Set(excluded, excluded, 1)
		ws.v.SetVec(excluded, 0)

		var qr mat.QR
		qr.Factorize(ws.m)
		var shift mat.VecDense
		if err := qr.SolveVecTo(&shift, false, ws.v); err != nil {
			c.Restore(saved)
			c.Flag = xtal.FlagRejectedCycle
			return Result{Cycles: result.Cycles}
		}

		maxShift := 0.0
		for p := 0; p < n; p++ {
			if xtal.Param(p) == xtal.ParamExcluded {
				continue
			}
			s := shift.AtVec(p)
			if math.IsNaN(s) || math.IsInf(s, 0) {
				c.Restore(saved)
				c.Flag = xtal.FlagRejectedCycle
				return Result{Cycles: result.Cycles}
			}
			if math.Abs(s) > maxShift {
				maxShift = math.Abs(s)
			}
			newVal := c.Param(xtal.Param(p)) + s*units[p]
			if math.IsNaN(newVal) || math.IsInf(newVal, 0) {
				c.Restore(saved)
				c.Flag = xtal.FlagRejectedCycle
				return Result{Cycles: result.Cycles}
			}
			c.SetParam(xtal.Param(p), newVal)
		}

		result.MaxShift = maxShift
		if maxShift < cfg.ShiftConvergence {
			result.Converged = true
			break
		}
	}

	if c.R <= 0 || !(c.Div >= 0) {
		c.Restore(saved)
		c.Flag = xtal.FlagRejectedCycle
		return result
	}

	return result
}

// ErrSingular names the singular normal-equation failure. One does not
// return it: a failed QR solve is reported by reverting the crystal's
// parameters and flagging it FlagRejectedCycle.
var ErrSingular = fmt.Errorf("refine: singular normal-equation system")
