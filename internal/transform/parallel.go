package transform

import (
	"runtime"

	"github.com/sourcegraph/conc"
)

// minRowsPerBand keeps small images on a single goroutine.
const minRowsPerBand = 32

// parallelRows calls fn for every row in [0, n), splitting rows into bands
// processed concurrently. fn must only write to its own row.
func parallelRows(n int, fn func(y int)) {
	bands := min(runtime.GOMAXPROCS(0), (n+minRowsPerBand-1)/minRowsPerBand)
	if bands <= 1 {
		for y := 0; y < n; y++ {
			fn(y)
		}
		return
	}

	per := (n + bands - 1) / bands
	var wg conc.WaitGroup
	for start := 0; start < n; start += per {
		end := min(start+per, n)
		wg.Go(func() {
			for y := start; y < end; y++ {
				fn(y)
			}
		})
	}
	wg.Wait()
}
