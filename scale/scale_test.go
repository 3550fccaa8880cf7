package scale

import (
	"math"
	"testing"

	"github.com/grailbio/xfel/reflection"
	"github.com/grailbio/xfel/xtal"
	"github.com/stretchr/testify/assert"
)

func identityASU(h, k, l int) (int, int, int) { return h, k, l }

func TestOneRecoversGNoiseFree(t *testing.T) {
	const trueG = 3.7
	ref := reflection.New()
	c := xtal.NewCrystal("c1")

	for i := 0; i < 100; i++ {
		h, k, l := i+1, 0, 0
		iRef := 100.0 + float64(i)*5
		s := 1e7 + float64(i)*1e5
		e := ref.Add(reflection.Key{H: int32(h), K: int32(k), L: int32(l)})
		e.IFull = iRef

		o := xtal.Observation{
			H: h, K: k, L: l,
			I:    iRef / trueG, // I_obs * G = I_ref; p=1, L=1, B=0
			SigI: 1,
			P:    1,
			L_:   1,
			S:    s,
		}
		c.Obs = append(c.Obs, o)
	}

	res := One(c, ref, identityASU, DefaultConfig)
	assert.True(t, res.Fitted)
	assert.InDelta(t, math.Log(trueG), math.Log(c.G), 1e-6)
	assert.InDelta(t, 0, c.B, 1e-6)
}

func TestOneFlagsTooFewObservations(t *testing.T) {
	ref := reflection.New()
	c := xtal.NewCrystal("c1")
	e := ref.Add(reflection.Key{H: 1})
	e.IFull = 100

	c.Obs = []xtal.Observation{{H: 1, I: 100, SigI: 1, P: 1, L_: 1, S: 1e7}}
	res := One(c, ref, identityASU, DefaultConfig)
	assert.False(t, res.Fitted)
	assert.Equal(t, xtal.FlagRejectedCycle, c.Flag)
}

func TestOneRejectsOutlierScale(t *testing.T) {
	ref := reflection.New()
	c := xtal.NewCrystal("outlier")
	for i := 0; i < 10; i++ {
		h := i + 1
		iRef := 100.0 + float64(i)
		e := ref.Add(reflection.Key{H: int32(h)})
		e.IFull = iRef
		c.Obs = append(c.Obs, xtal.Observation{
			H: h, I: iRef / 1e6, SigI: 1e-6, P: 1, L_: 1, S: 1e7 + float64(i)*1e5,
		})
	}
	res := One(c, ref, identityASU, DefaultConfig)
	assert.False(t, res.Fitted)
	assert.Equal(t, xtal.FlagRejectedCycle, c.Flag)
}

func TestOneSkipsAlreadyRejectedCrystal(t *testing.T) {
	ref := reflection.New()
	c := xtal.NewCrystal("c")
	c.Flag = xtal.FlagRejectedPermanent
	res := One(c, ref, identityASU, DefaultConfig)
	assert.Equal(t, Result{}, res)
}

func TestScaledMatchesFormula(t *testing.T) {
	o := &xtal.Observation{I: 10, P: 0.5, L_: 2, S: 1e8}
	got := Scaled(o, 2, 1e-20)
	want := 10 * 2 * math.Exp(2*1e-20*1e8*1e8) / (0.5 * 2)
	assert.InDelta(t, want, got, 1e-6)
}
