// Package engine drives the scale -> post-refine -> merge macrocycle that
// the rest of this module's packages implement in isolation.
package engine

import (
	"runtime"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/xfel/merge"
	"github.com/grailbio/xfel/refine"
	"github.com/grailbio/xfel/scale"
)

// Config enumerates every tunable of the macrocycle, following the
// Opts/DefaultOpts zero-value-defaulting pattern of pileup/snp.Opts.
type Config struct {
	MinPartialityScale float64 // default 0.05
	MinPartialityMerge float64 // default 0.05
	MaxScaleCycles     int     // default 10
	MaxPRCycles        int     // default 10
	MaxMacrocycles     int     // default 3
	ScaleConvergence   float64 // default 0.01
	PRShiftConvergence float64 // default 0.01
	MinRedundancy      int     // default 2
	GMax               float64 // default 10
	BMax               float64 // default 40e-20
	NoScale            bool    // default false
	Workers            int     // default runtime.NumCPU()

	// MacrocycleDeadline bounds the wall-clock time of a single macrocycle
	// iteration; zero means no deadline.
	MacrocycleDeadline time.Duration
}

// DefaultConfig matches spec.md §6's literal defaults.
var DefaultConfig = Config{
	MinPartialityScale: 0.05,
	MinPartialityMerge: 0.05,
	MaxScaleCycles:     10,
	MaxPRCycles:        10,
	MaxMacrocycles:     3,
	ScaleConvergence:   0.01,
	PRShiftConvergence: 0.01,
	MinRedundancy:      2,
	GMax:               10,
	BMax:               40e-20,
	NoScale:            false,
	Workers:            0, // resolved to runtime.NumCPU() by Validate
}

// Validate fills in zero-valued fields with their defaults and rejects
// configurations that can never make progress, mirroring
// markduplicates.Opts's validation of its own zero-value fields.
func (c *Config) Validate() error {
	if c.MinPartialityScale <= 0 {
		c.MinPartialityScale = DefaultConfig.MinPartialityScale
	}
	if c.MinPartialityMerge <= 0 {
		c.MinPartialityMerge = DefaultConfig.MinPartialityMerge
	}
	if c.MaxScaleCycles <= 0 {
		c.MaxScaleCycles = DefaultConfig.MaxScaleCycles
	}
	if c.MaxPRCycles <= 0 {
		c.MaxPRCycles = DefaultConfig.MaxPRCycles
	}
	if c.MaxMacrocycles <= 0 {
		c.MaxMacrocycles = DefaultConfig.MaxMacrocycles
	}
	if c.ScaleConvergence <= 0 {
		c.ScaleConvergence = DefaultConfig.ScaleConvergence
	}
	if c.PRShiftConvergence <= 0 {
		c.PRShiftConvergence = DefaultConfig.PRShiftConvergence
	}
	if c.MinRedundancy <= 0 {
		c.MinRedundancy = DefaultConfig.MinRedundancy
	}
	if c.GMax <= 0 {
		c.GMax = DefaultConfig.GMax
	}
	if c.BMax <= 0 {
		c.BMax = DefaultConfig.BMax
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Workers < 1 {
		return errors.E("engine: workers must be >= 1")
	}
	return nil
}

func (c Config) scaleConfig() scale.Config {
	return scale.Config{
		MinPartiality: c.MinPartialityScale,
		MinSigma:      scale.DefaultConfig.MinSigma,
		MinFit:        scale.DefaultConfig.MinFit,
		GMax:          c.GMax,
		BMax:          c.BMax,
	}
}

func (c Config) refineConfig() refine.Config {
	return refine.Config{MaxCycles: c.MaxPRCycles, ShiftConvergence: c.PRShiftConvergence}
}

func (c Config) mergeConfig() merge.Config {
	return merge.Config{
		MinPartiality: c.MinPartialityMerge,
		MinRedundancy: c.MinRedundancy,
		Workers:       c.Workers,
	}
}
