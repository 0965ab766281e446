package randsrc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFixedReplaysThenRepeatsLast(t *testing.T) {
	f := NewFixed(0.1, 0.7)
	assert.Equal(t, 0.1, f.Float64())
	assert.Equal(t, 0.7, f.Float64())
	assert.Equal(t, 0.7, f.Float64())
	assert.Equal(t, 0.0, NewFixed().Float64())
}

func TestUniformMapsIntoRange(t *testing.T) {
	assert.Equal(t, 2.0, Uniform(NewFixed(0), 2, 4))
	assert.Equal(t, 3.0, Uniform(NewFixed(0.5), 2, 4))
}

func TestSeededIsReproducible(t *testing.T) {
	a, b := NewSeeded(7), NewSeeded(7)
	for i := 0; i < 10; i++ {
		v := a.Float64()
		assert.Equal(t, v, b.Float64())
		assert.True(t, v >= 0 && v < 1)
	}
}
