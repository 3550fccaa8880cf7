package refine

import (
	"testing"

	"github.com/grailbio/xfel/partiality"
	"github.com/grailbio/xfel/reflection"
	"github.com/grailbio/xfel/xtal"
	"github.com/stretchr/testify/assert"
)

func identityASU(h, k, l int) (int, int, int) { return h, k, l }

// buildCrystal returns a cubic-cell crystal with a synthetic observation
// set generated from the true geometry, so the reference table and the
// observations are mutually consistent before any perturbation.
func buildCrystal(aStar float64) *xtal.Crystal {
	c := xtal.NewCrystal("c1")
	c.AStar = [3]float64{aStar, 0, 0}
	c.BStar = [3]float64{0, aStar, 0}
	c.CStar = [3]float64{0, 0, aStar}
	c.Wavelength = 1e-10
	c.Div = 1e-3
	c.Bw = 1e-3
	c.R = 1e7
	c.G = 1
	c.B = 0
	return c
}

func observe(c *xtal.Crystal, ref *reflection.Table, h, k, l int, iFull float64) {
	q := reciprocalVector(c, h, k, l)
	_, r1, r2, _ := partiality.ExcitationErrors(q, c.Wavelength, c.Div, c.Bw)
	if r1 > r2 {
		r1, r2 = r2, r1
	}
	p, _, _ := partiality.Partiality(r1, r2, c.R)
	if p <= 0 {
		return
	}
	c.Obs = append(c.Obs, xtal.Observation{H: h, K: k, L: l, I: p * iFull, SigI: 0.01 * p * iFull, P: p, L_: 1})
	e := ref.Add(reflection.Key{H: int32(h), K: int32(k), L: int32(l)})
	e.Lock()
	e.IFull = iFull
	e.Unlock()
}

func TestOneConvergesFromSmallPerturbation(t *testing.T) {
	// Scenario 6: perturb one crystal's basis by 0.5% along a* and confirm
	// the post-refiner recovers it within a handful of cycles.
	truth := buildCrystal(1e8)
	ref := reflection.New()
	for h := -3; h <= 3; h++ {
		for k := -3; k <= 3; k++ {
			for l := -3; l <= 3; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				observe(truth, ref, h, k, l, 1000)
			}
		}
	}
	assert.NotEmpty(t, truth.Obs)

	perturbed := buildCrystal(1e8)
	perturbed.AStar[0] *= 1.005
	perturbed.Obs = truth.Obs

	ws := NewWorkspace()
	result := One(perturbed, ref, identityASU, ws, DefaultConfig)

	assert.LessOrEqual(t, result.Cycles, DefaultConfig.MaxCycles)
	assert.InDelta(t, truth.AStar[0], perturbed.AStar[0], 0.02*truth.AStar[0])
	assert.False(t, perturbed.Flag.Rejected())
}

func TestOneLeavesExcludedParameterAtZeroShift(t *testing.T) {
	truth := buildCrystal(1e8)
	ref := reflection.New()
	for h := -2; h <= 2; h++ {
		for k := -2; k <= 2; k++ {
			for l := -2; l <= 2; l++ {
				if h == 0 && k == 0 && l == 0 {
					continue
				}
				observe(truth, ref, h, k, l, 500)
			}
		}
	}

	perturbed := buildCrystal(1e8)
	perturbed.Obs = truth.Obs
	before := perturbed.CStar[2]

	ws := NewWorkspace()
	One(perturbed, ref, identityASU, ws, DefaultConfig)

	assert.Equal(t, before, perturbed.CStar[2])
}

func TestOneSkipsAlreadyRejectedCrystal(t *testing.T) {
	c := xtal.NewCrystal("bad")
	c.Flag = xtal.FlagRejectedCycle
	ws := NewWorkspace()
	result := One(c, reflection.New(), identityASU, ws, DefaultConfig)
	assert.Equal(t, Result{}, result)
}

func TestOneWithNoMatchingReferenceStopsImmediately(t *testing.T) {
	c := buildCrystal(1e8)
	c.Obs = []xtal.Observation{{H: 9, K: 9, L: 9, I: 1, SigI: 1, P: 1, L_: 1}}
	ws := NewWorkspace()
	result := One(c, reflection.New(), identityASU, ws, DefaultConfig)
	assert.Equal(t, 1, result.Cycles)
	assert.False(t, c.Flag.Rejected())
}
