package stream

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

type sliceReader struct {
	chunks []Chunk
	pos    int
}

func (r *sliceReader) Next() (Chunk, error) {
	if r.pos >= len(r.chunks) {
		return Chunk{}, io.EOF
	}
	c := r.chunks[r.pos]
	r.pos++
	return c, nil
}

func TestLoadCrystalsConvertsFieldsAndFlattensChunks(t *testing.T) {
	r := &sliceReader{chunks: []Chunk{
		{ImageID: "img1", Crystals: []CrystalRecord{{
			ID:         "c1",
			AStar:      [3]float64{1e8, 0, 0},
			BStar:      [3]float64{0, 1e8, 0},
			CStar:      [3]float64{0, 0, 1e8},
			R:          1e7,
			Div:        1e-3,
			Bw:         1e-3,
			Wavelength: 1e-10,
			Observations: []ObservationRecord{
				{H: 1, K: 0, L: 0, I: 10, SigI: 1, P: 0.5, L_: 1.2, S: 1e7},
			},
		}}},
		{ImageID: "img2", Crystals: []CrystalRecord{{ID: "c2"}}},
	}}

	crystals, err := LoadCrystals(r)
	assert.NoError(t, err)
	assert.Len(t, crystals, 2)

	c1 := crystals[0]
	assert.Equal(t, "c1", c1.ID)
	assert.Equal(t, 1.0, c1.G)
	assert.Equal(t, 0.0, c1.B)
	assert.Len(t, c1.Obs, 1)
	assert.Equal(t, 1, c1.Obs[0].H)
	assert.InDelta(t, 10, c1.Obs[0].I, 1e-9)
	assert.InDelta(t, 1.2, c1.Obs[0].L_, 1e-9)

	assert.Equal(t, "c2", crystals[1].ID)
	assert.Empty(t, crystals[1].Obs)
}

type errorReader struct{}

func (errorReader) Next() (Chunk, error) { return Chunk{}, assert.AnError }

func TestLoadCrystalsPropagatesNonEOFError(t *testing.T) {
	_, err := LoadCrystals(errorReader{})
	assert.Error(t, err)
}
