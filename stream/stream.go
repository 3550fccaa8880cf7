// Package stream defines the abstract boundary between this module's
// scale/refine/merge core and whatever indexed-stream format a caller
// actually has: CBF, HDF5, a GUI's in-memory session, or anything else.
// The core never depends on any of that; it only depends on this package's
// types (spec.md §6 "the core treats the stream as an abstract iterator").
package stream

import (
	"io"

	"github.com/grailbio/xfel/xtal"
)

// ObservationRecord is one predicted/measured reflection as it arrives
// from the stream, before being converted into an xtal.Observation.
type ObservationRecord struct {
	H, K, L int

	I, SigI float64
	P       float64
	L_      float64 // Lorentz factor (named L_ to avoid clashing with the l index)
	S       float64

	ClampLow, ClampHigh bool
}

// CrystalRecord is one indexed still exposure as it arrives from the
// stream: its reciprocal basis, beam and profile parameters, and its
// reflection list.
type CrystalRecord struct {
	ID string

	AStar, BStar, CStar [3]float64

	R          float64
	Div        float64
	Bw         float64
	Wavelength float64

	Observations []ObservationRecord
}

// Chunk is one unit the stream reader yields: an image identity and zero
// or more crystals indexed against it.
type Chunk struct {
	ImageID  string
	Crystals []CrystalRecord
}

// Reader is the abstract indexed-stream iterator. Implementations read
// from whatever concrete wire or file format is in use (CBF, HDF5, a
// GUI session) and are supplied by the caller; this module ships none of
// them, matching the recordReader pattern of cmd/bio-bam-sort, which
// abstracts over the concrete sam.Reader/bam.Reader types behind a single
// Read method.
//
// Next returns io.EOF once the stream is exhausted; any other error is
// fatal to the caller (spec.md §7 "malformed stream record... Fatal to
// the caller").
type Reader interface {
	Next() (Chunk, error)
}

// ErrEOF is an alias for io.EOF kept local to this package so callers do
// not need to import io solely to detect end of stream.
var ErrEOF = io.EOF

// toCrystal converts one CrystalRecord into the xtal.Crystal the core
// operates on, applying spec.md §3's initial state (G=1, B=0, flag=OK).
func toCrystal(r CrystalRecord) *xtal.Crystal {
	c := xtal.NewCrystal(r.ID)
	c.AStar, c.BStar, c.CStar = r.AStar, r.BStar, r.CStar
	c.R, c.Div, c.Bw, c.Wavelength = r.R, r.Div, r.Bw, r.Wavelength
	c.Obs = make([]xtal.Observation, len(r.Observations))
	for i, o := range r.Observations {
		c.Obs[i] = xtal.Observation{
			H: o.H, K: o.K, L: o.L,
			I: o.I, SigI: o.SigI,
			P: o.P, L_: o.L_, S: o.S,
			ClampLow: o.ClampLow, ClampHigh: o.ClampHigh,
		}
	}
	return c
}

// LoadCrystals drains r to exhaustion and returns every crystal it
// yielded, converted to the core's xtal.Crystal type. It is the glue a
// caller uses to hand a concrete stream implementation to engine.Run.
func LoadCrystals(r Reader) ([]*xtal.Crystal, error) {
	var out []*xtal.Crystal
	for {
		chunk, err := r.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		for _, rec := range chunk.Crystals {
			out = append(out, toCrystal(rec))
		}
	}
}
