package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStats(t *testing.T) {
	data := []float64{3, 1, 4, 1, 5, 9}

	assert.Equal(t, 9.0, Max(data...))
	assert.Equal(t, 1.0, Min(data...))
	assert.Equal(t, 3.5, Median(data...))
	assert.Equal(t, 23.0/6, Avg(data...))
	assert.Equal(t, 4.0, Median(3, 4, 5))

	// 输入不被排序
	assert.Equal(t, []float64{3, 1, 4, 1, 5, 9}, data)

	for _, f := range []func(...float64) float64{Max, Min, Median, Avg} {
		assert.Equal(t, -1.0, f())
	}
}
