package relay

import (
	"context"
	"sync"
	"time"
)

const DefaultDrainTimeout = 5 * time.Second

// interruptAfter calls interrupt once ctx has been done for grace. The output
// keeps working while the codecs drain and the trailer goes out; only a
// muxer that stays stuck past grace gets cut off. stop cancels the pending
// interrupt.
func interruptAfter(ctx context.Context, grace time.Duration, interrupt func()) (stop func()) {
	var (
		mux   sync.Mutex
		timer *time.Timer
		done  bool
	)

	stopAfter := context.AfterFunc(ctx, func() {
		mux.Lock()
		defer mux.Unlock()

		if !done {
			timer = time.AfterFunc(grace, interrupt)
		}
	})

	return func() {
		stopAfter()

		mux.Lock()
		defer mux.Unlock()

		done = true
		if timer != nil {
			timer.Stop()
		}
	}
}
