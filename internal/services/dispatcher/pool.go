package dispatcher

import (
	"context"
	"strconv"
	"sync"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/handover/internal/common"
)

// runPool feeds ids to at most workers goroutines and waits for all of them.
// Workers stop taking new ids once ctx is done.
func runPool(ctx context.Context, ids []string, workers int, logger arbor.ILogger, handle func(ctx context.Context, id string)) {
	if len(ids) == 0 {
		return
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(ids) {
		workers = len(ids)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		name := "dispatcher-worker-" + strconv.Itoa(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if ctx.Err() != nil {
					continue
				}
				// A panic is contained to the one task so the worker keeps draining
				func() {
					defer common.RecoverPanic(logger, name)
					handle(ctx, id)
				}()
			}
		}()
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		jobs <- id
	}
	close(jobs)
	wg.Wait()
}
