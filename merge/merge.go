// Package merge implements the weighted aggregation of scaled partial
// observations into full reflection intensities, and their ESD estimation
// (spec.md §4.7).
package merge

import (
	"math"

	"github.com/grailbio/base/traverse"
	"github.com/grailbio/xfel/reflection"
	"github.com/grailbio/xfel/scale"
	"github.com/grailbio/xfel/xtal"
)

// Config holds the merger's tunables.
type Config struct {
	MinPartiality float64 // spec.md min_partiality_merge, default 0.05
	MinRedundancy int     // spec.md min_redundancy, default 2
	Workers       int
}

// ASUFunc folds a reflection index into the asymmetric unit; callers
// supply symmetry.Group.ToASU.
type ASUFunc func(h, k, l int) (int, int, int)

type accumulator struct {
	numerator, denominator float64
	n                      int
}

// Merge builds a fresh reflection.Table from crystals, following the
// two-phase reduction of spec.md §9 design note (b): each worker
// accumulates its shard of crystals into a private map, then a sequential
// reduce step folds the private maps into the shared table under each
// entry's lock. This avoids the find/upgrade-to-writer dance of a single
// shared map entirely for the hot accumulation path.
//
// Crystals with Flag != FlagOK are skipped, per spec.md §4.7.
func Merge(crystals []*xtal.Crystal, asu ASUFunc, cfg Config) (*reflection.Table, error) {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	minPart := cfg.MinPartiality
	if minPart <= 0 {
		minPart = 0.05
	}

	locals := make([]map[reflection.Key]*accumulator, workers)

	err := traverse.Each(workers, func(job int) error {
		start := (job * len(crystals)) / workers
		end := ((job + 1) * len(crystals)) / workers
		local := make(map[reflection.Key]*accumulator)
		locals[job] = local

		for _, c := range crystals[start:end] {
			if c.Flag.Rejected() {
				continue
			}
			for i := range c.Obs {
				o := &c.Obs[i]
				if o.P < minPart {
					continue
				}
				h, k, l := asu(o.H, o.K, o.L)
				key := reflection.Key{H: int32(h), K: int32(k), L: int32(l)}
				a, ok := local[key]
				if !ok {
					a = &accumulator{}
					local[key] = a
				}
				a.numerator += scale.Scaled(o, c.G, c.B)
				a.denominator++
				a.n++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	table := reflection.New()
	for _, local := range locals {
		for key, a := range local {
			e := table.Add(key)
			e.Lock()
			e.Temp1 += a.numerator
			e.Temp2 += a.denominator
			e.Redundancy += a.n
			e.Unlock()
		}
	}

	table.Iter(func(e *reflection.Entry) {
		e.Lock()
		if e.Temp2 > 0 {
			e.IFull = e.Temp1 / e.Temp2
		}
		e.Unlock()
	})

	if err := estimateESD(crystals, asu, table, minPart, workers); err != nil {
		return nil, err
	}

	if minRed := cfg.MinRedundancy; minRed > 0 {
		table.Iter(func(e *reflection.Entry) {
			e.Lock()
			if e.Redundancy < minRed {
				e.Redundancy = 0
				e.Suppressed = true
			}
			e.Unlock()
		})
	}

	return table, nil
}

// esdAccumulator is the per-worker scratch used to fold squared residuals
// into each entry's Temp1 before a single sequential division pass.
type esdAccumulator struct {
	sumSq float64
}

func estimateESD(crystals []*xtal.Crystal, asu ASUFunc, table *reflection.Table, minPart float64, workers int) error {
	locals := make([]map[reflection.Key]*esdAccumulator, workers)

	err := traverse.Each(workers, func(job int) error {
		start := (job * len(crystals)) / workers
		end := ((job + 1) * len(crystals)) / workers
		local := make(map[reflection.Key]*esdAccumulator)
		locals[job] = local

		for _, c := range crystals[start:end] {
			if c.Flag.Rejected() {
				continue
			}
			for i := range c.Obs {
				o := &c.Obs[i]
				if o.P < minPart {
					continue
				}
				h, k, l := asu(o.H, o.K, o.L)
				key := reflection.Key{H: int32(h), K: int32(k), L: int32(l)}
				e := table.Find(key)
				if e == nil {
					continue
				}
				e.Lock()
				iFull := e.IFull
				e.Unlock()

				scaled := scale.Scaled(o, c.G, c.B)
				diff := scaled - iFull
				a, ok := local[key]
				if !ok {
					a = &esdAccumulator{}
					local[key] = a
				}
				a.sumSq += diff * diff
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Zero every entry's Temp1 before reducing, per spec.md §9: scratch
	// fields are zeroed at the start of each merge step, not carried over.
	table.Iter(func(e *reflection.Entry) {
		e.Lock()
		e.Temp1 = 0
		e.Unlock()
	})

	for _, local := range locals {
		for key, a := range local {
			e := table.Find(key)
			if e == nil {
				continue
			}
			e.Lock()
			e.Temp1 += a.sumSq
			e.Unlock()
		}
	}

	table.Iter(func(e *reflection.Entry) {
		e.Lock()
		if e.Redundancy > 0 {
			e.SigFull = math.Sqrt(e.Temp1) / float64(e.Redundancy)
		}
		e.Unlock()
	})
	return nil
}
