package symmetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUnknownPointGroup(t *testing.T) {
	_, err := Parse("not-a-group")
	assert.Error(t, err)
}

func TestToASUIdempotent(t *testing.T) {
	tests := []string{"1", "-1", "mmm", "4/mmm", "-3m", "6/mmm", "m-3m"}
	triples := [][3]int{{2, 1, 3}, {-2, -1, 3}, {0, 0, 5}, {7, -2, 1}}
	for _, pg := range tests {
		g, err := Parse(pg)
		assert.NoError(t, err)
		for _, tr := range triples {
			h1, k1, l1 := g.ToASU(tr[0], tr[1], tr[2])
			h2, k2, l2 := g.ToASU(h1, k1, l1)
			assert.Equal(t, [3]int{h1, k1, l1}, [3]int{h2, k2, l2}, "pg=%s in=%v", pg, tr)
		}
	}
}

func TestEquivalentsCloseUnderASU(t *testing.T) {
	g, err := Parse("4/mmm")
	assert.NoError(t, err)

	h, k, l := 2, 1, 3
	rep := [3]int{}
	rep[0], rep[1], rep[2] = g.ToASU(h, k, l)

	for _, eq := range g.Equivalents(h, k, l) {
		eh, ek, el := g.ToASU(eq[0], eq[1], eq[2])
		assert.Equal(t, rep, [3]int{eh, ek, el})
	}
}

func TestEquivalentsCoverSignCombinations(t *testing.T) {
	// Scenario 5: point group 4/mmm, reflection (2,1,3). Every equivalent
	// (+-2,+-1,+-3) and (+-1,+-2,+-3) with appropriate sign combinations
	// must fold to the same ASU representative.
	g, err := Parse("4/mmm")
	assert.NoError(t, err)

	want := map[[3]int]bool{}
	for _, h := range []int{2, -2, 1, -1} {
		for _, k := range []int{1, -1, 2, -2} {
			for _, l := range []int{3, -3} {
				if (abs(h) == 2 && abs(k) == 1) || (abs(h) == 1 && abs(k) == 2) {
					want[[3]int{h, k, l}] = true
				}
			}
		}
	}

	rh, rk, rl := g.ToASU(2, 1, 3)
	for tr := range want {
		h, k, l := g.ToASU(tr[0], tr[1], tr[2])
		assert.Equal(t, [3]int{rh, rk, rl}, [3]int{h, k, l}, "triple %v did not fold to representative", tr)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestForbidden(t *testing.T) {
	tests := []struct {
		h, k, l    int
		centering  byte
		isForbidden bool
	}{
		{1, 0, 0, 'P', false},
		{1, 0, 0, 'I', true},
		{2, 0, 0, 'I', false},
		{1, 1, 0, 'C', false},
		{1, 0, 0, 'C', true},
		{1, 1, 1, 'F', false},
		{1, 1, 0, 'F', true},
		{1, 0, 0, 'F', true},
	}
	for _, tc := range tests {
		got := Forbidden(tc.h, tc.k, tc.l, tc.centering)
		assert.Equal(t, tc.isForbidden, got, "h=%d k=%d l=%d centering=%c", tc.h, tc.k, tc.l, tc.centering)
	}
}
