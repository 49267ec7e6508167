package pipeline

import (
	"runtime"

	"github.com/sourcegraph/conc/pool"
)

// BatchItem is one independent Open → Save run. Build adds the chained
// operations; a nil Build copies the source into Dest in its format.
type BatchItem struct {
	Source Source
	Dest   string
	Build  func(*Pipeline) *Pipeline
}

// Batch runs items on at most workers goroutines (GOMAXPROCS when workers <= 0)
// and returns one error slot per item, in input order.
func Batch(items []BatchItem, workers int) []error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	errs := make([]error, len(items))
	p := pool.New().WithMaxGoroutines(workers)
	for i, item := range items {
		p.Go(func() {
			pl := Open(item.Source)
			if item.Build != nil {
				pl = item.Build(pl)
			}
			errs[i] = pl.Save(item.Dest)
		})
	}
	p.Wait()
	return errs
}
