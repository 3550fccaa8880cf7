package cell

import (
	"fmt"
	"math/big"
)

// RationalMatrix is a 3x3 matrix of exact rationals, used for
// symmetry-consistent cell transformations where repeated floating-point
// composition across macrocycles would otherwise accumulate drift
// (spec.md §9 "Exact rational matrices vs. floats"). No example repo in
// the retrieval pack ships an exact-rational linear-algebra library, so
// this is built on the standard library's math/big.Rat: the requirement is
// exactness, which a third-party float-based library cannot provide, and
// big.Rat is the only available exact-rational primitive.
type RationalMatrix [3][3]*big.Rat

// Identity returns the 3x3 identity rational matrix.
func Identity() RationalMatrix {
	var m RationalMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if i == j {
				m[i][j] = big.NewRat(1, 1)
			} else {
				m[i][j] = big.NewRat(0, 1)
			}
		}
	}
	return m
}

// FromInts builds a RationalMatrix from integer entries, as produced by a
// symmetry operator.
func FromInts(entries [3][3]int) RationalMatrix {
	var m RationalMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = big.NewRat(int64(entries[i][j]), 1)
		}
	}
	return m
}

// ErrOverflow is returned when rational arithmetic would require numerator
// or denominator magnitudes judged unreasonable for a cell transform,
// signalling a fatal error per spec.md §3 and §7.
var ErrOverflow = fmt.Errorf("cell: rational arithmetic overflow")

// overflowLimit bounds the bit length of any numerator/denominator
// produced by Mul or Solve. Genuine cell transformations involve small
// integers (twin laws, centring changes); anything that blows past this
// indicates a malformed or degenerate input matrix.
const overflowLimit = 4096

func checkOverflow(r *big.Rat) error {
	if r.Num().BitLen() > overflowLimit || r.Denom().BitLen() > overflowLimit {
		return ErrOverflow
	}
	return nil
}

// Mul returns a*b, the ordinary 3x3 matrix product.
func Mul(a, b RationalMatrix) (RationalMatrix, error) {
	var c RationalMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			sum := new(big.Rat)
			for k := 0; k < 3; k++ {
				term := new(big.Rat).Mul(a[i][k], b[k][j])
				sum.Add(sum, term)
			}
			if err := checkOverflow(sum); err != nil {
				return RationalMatrix{}, err
			}
			c[i][j] = sum
		}
	}
	return c, nil
}

// Det returns the determinant of a.
func Det(a RationalMatrix) (*big.Rat, error) {
	d := new(big.Rat)
	d.Add(d, new(big.Rat).Mul(a[0][0], sub2x2(a, 1, 2, 1, 2)))
	d.Sub(d, new(big.Rat).Mul(a[0][1], sub2x2(a, 1, 2, 0, 2)))
	d.Add(d, new(big.Rat).Mul(a[0][2], sub2x2(a, 1, 2, 0, 1)))
	if err := checkOverflow(d); err != nil {
		return nil, err
	}
	return d, nil
}

func sub2x2(a RationalMatrix, r1, r2, c1, c2 int) *big.Rat {
	term1 := new(big.Rat).Mul(a[r1][c1], a[r2][c2])
	term2 := new(big.Rat).Mul(a[r1][c2], a[r2][c1])
	return term1.Sub(term1, term2)
}

// Solve solves a*x = v for x by Gaussian elimination with partial pivoting
// over exact rationals, returning an error (not a panic) if a is singular
// or if any intermediate value overflows.
func Solve(a RationalMatrix, v [3]*big.Rat) ([3]*big.Rat, error) {
	// Work on a local augmented copy so the caller's matrix is untouched.
	var m [3][4]*big.Rat
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = new(big.Rat).Set(a[i][j])
		}
		m[i][3] = new(big.Rat).Set(v[i])
	}

	for col := 0; col < 3; col++ {
		pivot := -1
		best := new(big.Rat)
		for row := col; row < 3; row++ {
			if m[row][col].Sign() != 0 {
				abs := new(big.Rat).Abs(m[row][col])
				if pivot == -1 || abs.Cmp(best) > 0 {
					pivot, best = row, abs
				}
			}
		}
		if pivot == -1 {
			return [3]*big.Rat{}, fmt.Errorf("cell: singular matrix")
		}
		m[col], m[pivot] = m[pivot], m[col]

		inv := new(big.Rat).Inv(m[col][col])
		for j := col; j < 4; j++ {
			m[col][j].Mul(m[col][j], inv)
		}
		for row := 0; row < 3; row++ {
			if row == col {
				continue
			}
			factor := new(big.Rat).Set(m[row][col])
			if factor.Sign() == 0 {
				continue
			}
			for j := col; j < 4; j++ {
				term := new(big.Rat).Mul(factor, m[col][j])
				m[row][j].Sub(m[row][j], term)
			}
		}
	}

	var x [3]*big.Rat
	for i := 0; i < 3; i++ {
		if err := checkOverflow(m[i][3]); err != nil {
			return [3]*big.Rat{}, err
		}
		x[i] = m[i][3]
	}
	return x, nil
}

// MulVec returns a*v.
func MulVec(a RationalMatrix, v [3]*big.Rat) [3]*big.Rat {
	var out [3]*big.Rat
	for i := 0; i < 3; i++ {
		sum := new(big.Rat)
		for j := 0; j < 3; j++ {
			sum.Add(sum, new(big.Rat).Mul(a[i][j], v[j]))
		}
		out[i] = sum
	}
	return out
}
