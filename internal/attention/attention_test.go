// internal/attention/attention_test.go
package attention

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SyedDaiam9101/mri-classifier/internal/inference"
)

type fakeSource struct {
	att *inference.Attention
	err error
}

func (f fakeSource) AttentionAt(int) (*inference.Attention, error) {
	return f.att, f.err
}

// withCLS builds (heads, T, T) weights whose CLS row in head h is rows[h].
func withCLS(rows ...[]float32) *inference.Attention {
	tokens := len(rows[0])
	data := make([]float32, len(rows)*tokens*tokens)
	for h, row := range rows {
		copy(data[h*tokens*tokens:], row)
	}
	return &inference.Attention{Heads: len(rows), Tokens: tokens, Data: data}
}

func inRange(t *testing.T, g *Grid) {
	t.Helper()
	for i, v := range g.Values {
		if v < 0 || v > 1 {
			t.Fatalf("value %d out of range: %f", i, v)
		}
	}
}

func TestExtract_ShapeAndRange(t *testing.T) {
	row := make([]float32, 50)
	for i := range row {
		row[i] = float32(i)
	}
	g, err := Extract(fakeSource{att: withCLS(row, row)}, inference.FinalLayer, 224)
	require.NoError(t, err)

	assert.Equal(t, 224, g.Size)
	assert.Len(t, g.Values, 224*224)
	inRange(t, g)
	assert.Less(t, g.At(0, 0), g.At(223, 223))
	assert.InDelta(t, 0, g.At(0, 0), 1e-3)
	assert.InDelta(t, 1, g.At(223, 223), 1e-3)
}

func TestExtract_AveragesHeads(t *testing.T) {
	// Head 0 favours the first patch, head 1 the last one twice as much.
	a := make([]float32, 5)
	b := make([]float32, 5)
	a[1] = 1
	b[4] = 2
	g, err := Extract(fakeSource{att: withCLS(a, b)}, inference.FinalLayer, 2)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, g.At(0, 0), 0.01)
	assert.InDelta(t, 1, g.At(1, 1), 0.01)
	assert.InDelta(t, 0, g.At(0, 1), 0.01)
}

func TestExtract_IgnoresClassToken(t *testing.T) {
	row := []float32{100, 0, 1, 2, 3}
	g, err := Extract(fakeSource{att: withCLS(row)}, inference.FinalLayer, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0, g.At(0, 0), 0.01)
	assert.InDelta(t, 1, g.At(1, 1), 0.01)
}

func TestExtract_FlatMapIsZero(t *testing.T) {
	row := make([]float32, 50)
	for i := range row {
		row[i] = 0.02
	}
	g, err := Extract(fakeSource{att: withCLS(row)}, inference.FinalLayer, 224)
	require.NoError(t, err)
	for _, v := range g.Values {
		assert.Zero(t, v)
	}
}

func TestExtract_NonSquare(t *testing.T) {
	_, err := Extract(fakeSource{att: withCLS(make([]float32, 6))}, inference.FinalLayer, 224)
	assert.ErrorIs(t, err, ErrShape)
}

func TestExtract_BadData(t *testing.T) {
	att := &inference.Attention{Heads: 2, Tokens: 5, Data: make([]float32, 10)}
	_, err := Extract(fakeSource{att: att}, inference.FinalLayer, 224)
	assert.ErrorIs(t, err, ErrShape)
}

func TestExtract_LayerUnavailable(t *testing.T) {
	src := fakeSource{err: inference.ErrLayerUnavailable}
	_, err := Extract(src, inference.FinalLayer, 224)
	assert.True(t, errors.Is(err, inference.ErrLayerUnavailable))

	_, err = Extract(nil, inference.FinalLayer, 224)
	assert.Error(t, err)
}

func TestExtract_FromPrediction(t *testing.T) {
	pred := inference.NewPrediction([]float32{0.25, 0.25, 0.25, 0.25}, 12)
	row := make([]float32, 50)
	row[25] = 1
	pred.SetAttention(11, withCLS(row))

	g, err := Extract(pred, inference.FinalLayer, 224)
	require.NoError(t, err)
	// Patch 24 sits in the middle of the 7x7 grid.
	assert.InDelta(t, 1, g.At(112, 112), 0.05)
	assert.InDelta(t, 0, g.At(0, 0), 1e-3)
}

func TestUpsample_Identity(t *testing.T) {
	in := []float32{0, 0.25, 0.5, 1}
	out := Upsample(in, 2, 2)
	assert.InDeltaSlice(t, in, out, 1e-4)
}
