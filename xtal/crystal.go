// Package xtal holds the data types shared by every phase of the
// scale/refine/merge macrocycle: the per-crystal observation list and the
// crystal's own geometric and scaling parameters. No single phase owns
// these types, so they live apart from reflection, scale, refine and merge.
package xtal

import "fmt"

// Flag records why a crystal is (or is not) eligible for the current
// macrocycle's scaling and merging passes.
type Flag int

const (
	// FlagOK means the crystal participates normally.
	FlagOK Flag = iota
	// FlagRejectedCycle means a numeric failure (bad scale, solver
	// divergence, too few observations) occurred this macrocycle. It is
	// cleared automatically before the next macrocycle.
	FlagRejectedCycle
	// FlagRejectedPermanent means the crystal should never participate
	// again (e.g. malformed input detected once and not expected to
	// self-correct). Never cleared between macrocycles; engine.Run does
	// reset every crystal's flag to FlagOK once, when a run starts.
	FlagRejectedPermanent
)

func (f Flag) String() string {
	switch f {
	case FlagOK:
		return "ok"
	case FlagRejectedCycle:
		return "rejected-this-cycle"
	case FlagRejectedPermanent:
		return "rejected-permanently"
	default:
		return fmt.Sprintf("Flag(%d)", int(f))
	}
}

// Rejected reports whether a crystal in this state should be skipped by
// scaling, refinement and merging.
func (f Flag) Rejected() bool {
	return f != FlagOK
}

// Param names a post-refinable scalar of a crystal. The order here is the
// order of entries in the post-refiner's 11-parameter vector; it must never
// change once code depends on fixed indices.
type Param int

const (
	ParamASX Param = iota
	ParamASY
	ParamASZ
	ParamBSX
	ParamBSY
	ParamBSZ
	ParamCSX
	ParamCSY
	ParamCSZ
	ParamDiv
	ParamR
	numParams
)

// NumParams is the width of the post-refinement parameter vector.
const NumParams = int(numParams)

// ParamExcluded is never refined; it is kept in the enumeration purely so
// parameter indices stay stable regardless of which one a deployment
// chooses to hold fixed. The reference implementation fixes CSZ, since the
// c* direction is the least observable one for a still-shot geometry.
const ParamExcluded = ParamCSZ

// Observation is one predicted/measured reflection belonging to a crystal.
type Observation struct {
	H, K, L int

	I, SigI float64
	P       float64 // partiality in [0,1]
	L_      float64 // Lorentz factor (named L_ to avoid shadowing the l index)
	S       float64 // resolution, 1/d, inverse metres

	ClampLow, ClampHigh bool

	// Temp1, Temp2 are per-observation scratch fields. No phase of this
	// module reads or writes them; the merger keeps its accumulators on
	// reflection.Entry instead.
	Temp1, Temp2 float64

	Redundancy int
}

// Valid reports whether the observation satisfies the data-model
// invariants of spec.md §3.
func (o *Observation) Valid() bool {
	if o.H == 0 && o.K == 0 && o.L == 0 {
		return false
	}
	if o.SigI <= 0 {
		return false
	}
	if o.P < 0 || o.P > 1 {
		return false
	}
	return true
}

// Crystal is one indexed still exposure: a reciprocal basis, beam and
// profile parameters, its observation list, and the current best estimate
// of its scale (G) and temperature (B) factors.
type Crystal struct {
	// AStar, BStar, CStar are the reciprocal-lattice basis vectors.
	AStar, BStar, CStar [3]float64

	// R is the profile radius in reciprocal metres.
	R float64
	// Div is the beam divergence (radians, full angle).
	Div float64
	// Bw is the beam bandwidth (fractional, dlambda/lambda).
	Bw float64
	// Wavelength is the incident beam wavelength in metres.
	Wavelength float64

	G float64 // scale factor, > 0 when not rejected
	B float64 // temperature factor, |B| < BMax when not rejected

	Obs []Observation

	Flag Flag

	// ID is an opaque identifier carried through from the input stream,
	// used only for diagnostics.
	ID string
}

// NewCrystal returns a crystal with the nominal initial scale parameters
// required by spec.md §3: G=1, B=0, flag=OK.
func NewCrystal(id string) *Crystal {
	return &Crystal{ID: id, G: 1.0, B: 0.0, Flag: FlagOK}
}

// Param returns the current value of the named post-refinement parameter.
func (c *Crystal) Param(p Param) float64 {
	switch p {
	case ParamASX:
		return c.AStar[0]
	case ParamASY:
		return c.AStar[1]
	case ParamASZ:
		return c.AStar[2]
	case ParamBSX:
		return c.BStar[0]
	case ParamBSY:
		return c.BStar[1]
	case ParamBSZ:
		return c.BStar[2]
	case ParamCSX:
		return c.CStar[0]
	case ParamCSY:
		return c.CStar[1]
	case ParamCSZ:
		return c.CStar[2]
	case ParamDiv:
		return c.Div
	case ParamR:
		return c.R
	default:
		return 0
	}
}

// SetParam writes back a post-refinement parameter after a Gauss-Newton
// shift has been applied.
func (c *Crystal) SetParam(p Param, v float64) {
	switch p {
	case ParamASX:
		c.AStar[0] = v
	case ParamASY:
		c.AStar[1] = v
	case ParamASZ:
		c.AStar[2] = v
	case ParamBSX:
		c.BStar[0] = v
	case ParamBSY:
		c.BStar[1] = v
	case ParamBSZ:
		c.BStar[2] = v
	case ParamCSX:
		c.CStar[0] = v
	case ParamCSY:
		c.CStar[1] = v
	case ParamCSZ:
		c.CStar[2] = v
	case ParamDiv:
		c.Div = v
	case ParamR:
		c.R = v
	}
}

// Snapshot captures the refinable parameters so a failed Gauss-Newton step
// can be reverted without cloning the whole crystal (and its, possibly
// large, observation list).
type Snapshot struct {
	AStar, BStar, CStar [3]float64
	Div, R              float64
}

// Save returns a Snapshot of c's current refinable parameters.
func (c *Crystal) Save() Snapshot {
	return Snapshot{AStar: c.AStar, BStar: c.BStar, CStar: c.CStar, Div: c.Div, R: c.R}
}

// Restore reverts c's refinable parameters to a previously saved Snapshot.
func (c *Crystal) Restore(s Snapshot) {
	c.AStar, c.BStar, c.CStar = s.AStar, s.BStar, s.CStar
	c.Div, c.R = s.Div, s.R
}
