package engine

import (
	"context"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/xfel/merge"
	"github.com/grailbio/xfel/reflection"
	"github.com/grailbio/xfel/refine"
	"github.com/grailbio/xfel/scale"
	"github.com/grailbio/xfel/symmetry"
	"github.com/grailbio/xfel/xtal"
)

// ASUFunc folds a raw reflection index into its asymmetric-unit
// representative, supplied by a symmetry.Group.
type ASUFunc func(h, k, l int) (int, int, int)

// MergedReflection is one output record, matching spec.md §6's output
// record with Suppressed made an explicit field alongside the
// zero-redundancy convention the spec itself uses.
type MergedReflection struct {
	H, K, L    int
	IFull      float64
	SigFull    float64
	Redundancy int
	Suppressed bool
}

// Report is the per-macrocycle metrics snapshot returned alongside the
// merged reference, giving a caller observability into how the macrocycle
// loop behaved without needing its own logging sink.
type Report struct {
	Macrocycles           int
	Converged             bool
	RejectedThisMacrocycle int
	MeanAbsDeltaG         float64
	DeadlineExceeded      bool
}

// Result is the full output of Run.
type Result struct {
	Reflections []MergedReflection
	Report      Report
}

// Run drives the scale -> (reject outliers, normalise) -> post-refine ->
// merge macrocycle of spec.md §4.8 over crystals, using group to fold
// indices into the asymmetric unit.
//
// ctx is polled between phases, never mid Gauss-Newton solve, per spec.md
// §5. A zero cfg.MacrocycleDeadline means no per-macrocycle wall-clock
// limit.
func Run(ctx context.Context, crystals []*xtal.Crystal, group *symmetry.Group, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	asu := func(h, k, l int) (int, int, int) { return group.ToASU(h, k, l) }

	for _, c := range crystals {
		c.G, c.B, c.Flag = 1.0, 0.0, xtal.FlagOK
	}

	table, err := merge.Merge(crystals, asu, cfg.mergeConfig())
	if err != nil {
		return Result{}, errors.E(err, "engine: initial merge")
	}

	report := Report{}

	if !cfg.NoScale {
		for cycle := 0; cycle < cfg.MaxMacrocycles; cycle++ {
			if err := ctx.Err(); err != nil {
				log.Debug.Printf("engine: macrocycle %d cancelled: %v", cycle, err)
				break
			}
			report.Macrocycles = cycle + 1

			cycleCtx := ctx
			var cancel context.CancelFunc
			if cfg.MacrocycleDeadline > 0 {
				cycleCtx, cancel = context.WithTimeout(ctx, cfg.MacrocycleDeadline)
			}

			converged, meanDelta, rejected, newTable, runErr := scaleMacrocycle(cycleCtx, crystals, table, asu, cfg)
			if cancel != nil {
				cancel()
			}
			if runErr != nil {
				if cancel != nil && cycleCtx.Err() == context.DeadlineExceeded {
					report.DeadlineExceeded = true
					log.Error.Printf("engine: macrocycle %d exceeded its deadline", cycle)
					break
				}
				return Result{}, runErr
			}

			table = newTable
			report.MeanAbsDeltaG = meanDelta
			report.RejectedThisMacrocycle = rejected

			if converged {
				report.Converged = true
				break
			}
		}
		if !report.Converged {
			log.Error.Printf("engine: scaling did not converge within %d macrocycles", cfg.MaxMacrocycles)
		}
	}

	if !cfg.NoScale && ctx.Err() == nil {
		if err := postRefineAndRemerge(crystals, asu, cfg, &table); err != nil {
			return Result{}, err
		}
	}

	out := make([]MergedReflection, 0, table.Len())
	table.Iter(func(e *reflection.Entry) {
		e.Lock()
		out = append(out, MergedReflection{
			H: int(e.Key.H), K: int(e.Key.K), L: int(e.Key.L),
			IFull: e.IFull, SigFull: e.SigFull,
			Redundancy: e.Redundancy, Suppressed: e.Suppressed,
		})
		e.Unlock()
	})

	return Result{Reflections: out, Report: report}, nil
}

// scaleMacrocycle runs one iteration of spec.md §4.8 step 3 against a
// reference table that stays fixed for its duration: up to cfg.MaxScaleCycles
// inner passes of clear scaling-only rejections, snapshot old G, scale every
// crystal, reject outliers, normalise, test convergence -- then a single
// re-merge once that inner loop converges or exhausts its budget.
func scaleMacrocycle(ctx context.Context, crystals []*xtal.Crystal, ref *reflection.Table, asu ASUFunc, cfg Config) (converged bool, meanAbsDelta float64, rejected int, newTable *reflection.Table, err error) {
	scaleCfg := cfg.scaleConfig()
	workers := cfg.Workers

	for inner := 0; inner < cfg.MaxScaleCycles; inner++ {
		if ctx.Err() != nil {
			return false, 0, 0, nil, ctx.Err()
		}

		oldG := make([]float64, len(crystals))
		for i, c := range crystals {
			if c.Flag == xtal.FlagRejectedCycle {
				c.Flag = xtal.FlagOK
			}
			oldG[i] = c.G
		}

		runErr := traverse.Each(workers, func(job int) error {
			start := (job * len(crystals)) / workers
			end := ((job + 1) * len(crystals)) / workers
			for _, c := range crystals[start:end] {
				scale.One(c, ref, asu, scaleCfg)
			}
			return nil
		})
		if runErr != nil {
			return false, 0, 0, nil, runErr
		}

		// Outlier rejection: a scale factor above GMax is already
		// flagged by scale.One; nothing further to do here beyond counting.
		sum, n := 0.0, 0
		rejected = 0
		for _, c := range crystals {
			if !c.Flag.Rejected() {
				sum += c.G
				n++
			} else {
				rejected++
			}
		}
		if n > 0 && sum > 0 {
			mean := sum / float64(n)
			for _, c := range crystals {
				if !c.Flag.Rejected() {
					c.G /= mean
				}
			}
		}

		deltaSum := 0.0
		for i, c := range crystals {
			if !c.Flag.Rejected() {
				deltaSum += math.Abs(c.G - oldG[i])
			}
		}
		if n > 0 {
			meanAbsDelta = deltaSum / float64(n)
		}
		converged = meanAbsDelta < cfg.ScaleConvergence
		if converged {
			break
		}
	}

	newTable, err = merge.Merge(crystals, asu, cfg.mergeConfig())
	if err != nil {
		return false, 0, 0, nil, errors.E(err, "engine: re-merge after scaling")
	}
	return converged, meanAbsDelta, rejected, newTable, nil
}

// postRefineAndRemerge runs spec.md §4.8 step 4: post-refine every
// crystal's geometry against the current reference, then re-merge, reusing
// one refine.Workspace per worker per §5's numerical resource policy.
func postRefineAndRemerge(crystals []*xtal.Crystal, asu ASUFunc, cfg Config, table **reflection.Table) error {
	ref := *table
	refineCfg := cfg.refineConfig()
	workers := cfg.Workers

	err := traverse.Each(workers, func(job int) error {
		ws := refine.NewWorkspace()
		start := (job * len(crystals)) / workers
		end := ((job + 1) * len(crystals)) / workers
		for _, c := range crystals[start:end] {
			refine.One(c, ref, asu, ws, refineCfg)
		}
		return nil
	})
	if err != nil {
		return errors.E(err, "engine: post-refinement")
	}

	merged, err := merge.Merge(crystals, asu, cfg.mergeConfig())
	if err != nil {
		return errors.E(err, "engine: re-merge after post-refinement")
	}
	*table = merged
	return nil
}
