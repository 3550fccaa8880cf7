// Package cell implements direct/reciprocal unit-cell geometry: converting
// a reflection index into a reciprocal-space vector, computing resolution,
// and the exact rational-matrix arithmetic used for symmetry-consistent
// cell transformations.
package cell

import "math"

// Cell holds a crystal's reciprocal-lattice basis, expressed directly as
// three vectors rather than six scalars plus an orientation matrix, since
// every consumer in this module (partiality prediction, post-refinement)
// needs the basis vectors themselves.
type Cell struct {
	AStar, BStar, CStar [3]float64
}

// Direct holds the real-space cell parameters, used only to classify
// forbidden reflections and to report cell parameters back to a caller
// (spec.md §6 "Input: unit cell").
type Direct struct {
	A, B, C             float64 // metres
	Alpha, Beta, Gamma  float64 // radians
	Centering           byte
}

// New validates and constructs a Direct cell record. a,b,c are in metres
// and alpha,beta,gamma in radians to keep every consumer in this module
// working in SI units without a units type.
func New(a, b, c, alpha, beta, gamma float64, centering byte) (*Direct, error) {
	if a <= 0 || b <= 0 || c <= 0 {
		return nil, errInvalidCell("non-positive cell edge")
	}
	if alpha <= 0 || alpha >= math.Pi || beta <= 0 || beta >= math.Pi || gamma <= 0 || gamma >= math.Pi {
		return nil, errInvalidCell("cell angle out of (0, pi)")
	}
	switch centering {
	case 'P', 'A', 'B', 'C', 'I', 'F', 'R':
	default:
		return nil, errInvalidCell("unknown centering character")
	}
	return &Direct{A: a, B: b, C: c, Alpha: alpha, Beta: beta, Gamma: gamma, Centering: centering}, nil
}

type cellError string

func (e cellError) Error() string { return "cell: " + string(e) }

func errInvalidCell(msg string) error { return cellError(msg) }

// Reciprocal computes the direct-space basis vectors from cell parameters
// and returns the reciprocal basis obtained by inverting and transposing
// that basis (b_i* . a_j = delta_ij, scaled by 2*pi is NOT applied here;
// this module uses the crystallographic convention s = 1/d, not the
// physics convention s = 2*pi/d).
func (d *Direct) Reciprocal() Cell {
	ca, cb, cg := math.Cos(d.Alpha), math.Cos(d.Beta), math.Cos(d.Gamma)
	sg := math.Sin(d.Gamma)

	// Direct-space basis in a Cartesian frame with a along x and b in the
	// xy-plane (standard crystallographic convention).
	av := [3]float64{d.A, 0, 0}
	bv := [3]float64{d.B * cg, d.B * sg, 0}
	cx := d.C * cb
	cy := d.C * (ca - cb*cg) / sg
	cz2 := d.C*d.C - cx*cx - cy*cy
	if cz2 < 0 {
		cz2 = 0
	}
	cz := math.Sqrt(cz2)
	cv := [3]float64{cx, cy, cz}

	vol := dot(av, cross(bv, cv))

	return Cell{
		AStar: scale(cross(bv, cv), 1/vol),
		BStar: scale(cross(cv, av), 1/vol),
		CStar: scale(cross(av, bv), 1/vol),
	}
}

func cross(a, b [3]float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

func dot(a, b [3]float64) float64 {
	return a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
}

func scale(a [3]float64, s float64) [3]float64 {
	return [3]float64{a[0] * s, a[1] * s, a[2] * s}
}

func norm(a [3]float64) float64 {
	return math.Sqrt(dot(a, a))
}

// ReciprocalVector returns the reciprocal-space vector h*a* + k*b* + l*c*.
func (c Cell) ReciprocalVector(h, k, l int) [3]float64 {
	hf, kf, lf := float64(h), float64(k), float64(l)
	return [3]float64{
		hf*c.AStar[0] + kf*c.BStar[0] + lf*c.CStar[0],
		hf*c.AStar[1] + kf*c.BStar[1] + lf*c.CStar[1],
		hf*c.AStar[2] + kf*c.BStar[2] + lf*c.CStar[2],
	}
}

// Resolution returns s = |reciprocal vector| / 2 for (h,k,l), per
// spec.md §4.3. Since |reciprocal vector| = 1/d here, s = 1/(2d).
func (c Cell) Resolution(h, k, l int) float64 {
	return norm(c.ReciprocalVector(h, k, l)) / 2
}

// SMaxFromDmin converts a d-spacing resolution limit into the s_max cutoff
// used by the partiality predictor, which always works in s rather than d.
func SMaxFromDmin(dmin float64) float64 {
	if dmin <= 0 {
		return math.Inf(1)
	}
	return 1 / dmin
}

// DminFromSMax is the inverse of SMaxFromDmin, provided for reporting.
func DminFromSMax(sMax float64) float64 {
	if sMax <= 0 {
		return math.Inf(1)
	}
	return 1 / sMax
}
