package parallel

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFor_EachIndexOnce(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 1000} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			seen := make([]atomic.Int32, n)
			For(n, func(i int) { seen[i].Add(1) }, Config{Enabled: true, NumWorkers: 4, MinChunkSize: 2})
			for i := range seen {
				require.Equal(t, int32(1), seen[i].Load(), "index %d", i)
			}
		})
	}
}

func TestFor_Inline(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		n    int
	}{
		{"disabled", Config{NumWorkers: 8, MinChunkSize: 1}, 100},
		{"one worker", Config{Enabled: true, NumWorkers: 1, MinChunkSize: 1}, 100},
		{"too few items", DefaultConfig(), DefaultConfig().MinChunkSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.cfg.inline(tt.n))
			var order []int
			For(tt.n, func(i int) { order = append(order, i) }, tt.cfg)
			require.Len(t, order, tt.n)
			for i, v := range order {
				assert.Equal(t, i, v)
			}
		})
	}
}

func TestForErr_LowestIndexWins(t *testing.T) {
	cfg := Config{Enabled: true, NumWorkers: 8, MinChunkSize: 1}

	var ran atomic.Int64
	err := ForErr(64, func(i int) error {
		ran.Add(1)
		if i == 10 || i == 40 {
			return fmt.Errorf("tensor %d", i)
		}
		return nil
	}, cfg)
	assert.EqualError(t, err, "tensor 10")
	assert.Equal(t, int64(64), ran.Load())

	assert.NoError(t, ForErr(3, func(int) error { return nil }, cfg))
}
