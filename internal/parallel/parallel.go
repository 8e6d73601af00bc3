// Package parallel spreads independent per-tensor work over goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config bounds how work is split.
type Config struct {
	Enabled      bool
	NumWorkers   int
	MinChunkSize int // items a goroutine must get before splitting pays off
}

// DefaultConfig uses one worker per CPU and at least four tensors per worker.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{Enabled: n > 1, NumWorkers: n, MinChunkSize: 4}
}

// inline reports whether n items should run on the calling goroutine.
func (c Config) inline(n int) bool {
	return !c.Enabled || c.NumWorkers < 2 || n < 2*max(c.MinChunkSize, 1)
}

// For calls f(i) for every i in [0, n) and returns once all calls are done.
// Each goroutine handles one contiguous range of indices.
func For(n int, f func(i int), cfg Config) {
	if cfg.inline(n) {
		for i := range n {
			f(i)
		}
		return
	}
	chunk := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)
	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Go(func() {
			for i := lo; i < hi; i++ {
				f(i)
			}
		})
	}
	wg.Wait()
}

// ForErr is For for fallible work. All items run; the error with the lowest
// index is returned so results do not depend on scheduling.
func ForErr(n int, f func(i int) error, cfg Config) error {
	errs := make([]error, n)
	For(n, func(i int) { errs[i] = f(i) }, cfg)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
