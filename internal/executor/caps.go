package executor

import (
	"runtime"
	"sync"
	"time"

	"go.starlark.net/starlark"
)

// capWatchdog monitors a running invocation's CPU time and heap growth
// against Caps, independently of the overall wall-clock deadline Run
// enforces via its context, and cancels the interpreter thread — recording
// whichever cap broke first — when either is exceeded.
//
// Go offers no per-goroutine CPU timer or address-space rlimit, so CPU
// time is approximated by the wall-clock duration of the single-threaded
// interpreter goroutine itself: it performs no blocking syscalls of its
// own, since every blocking egress call is issued through the Filter,
// which carries its own fd_cap accounting (see egress.Filter.SetMaxFDs).
// Memory is approximated by heap growth sampled via runtime.ReadMemStats,
// a process-wide reading that over-counts when invocations run
// concurrently — a coarse backstop, not a precise per-invocation rlimit.
type capWatchdog struct {
	mu     sync.Mutex
	kind   ErrorKind
	reason string
	stopCh chan struct{}
	doneCh chan struct{}
}

// memPollInterval balances watchdog responsiveness against the cost of
// repeatedly calling runtime.ReadMemStats, which briefly stops the world.
const memPollInterval = 20 * time.Millisecond

func newCapWatchdog(thread *starlark.Thread, caps Caps) *capWatchdog {
	w := &capWatchdog{stopCh: make(chan struct{}), doneCh: make(chan struct{})}

	go func() {
		defer close(w.doneCh)

		var cpuTimer <-chan time.Time
		if caps.CPUTime > 0 {
			t := time.NewTimer(caps.CPUTime)
			defer t.Stop()
			cpuTimer = t.C
		}

		var baseline, sample runtime.MemStats
		runtime.ReadMemStats(&baseline)

		ticker := time.NewTicker(memPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-w.stopCh:
				return
			case <-cpuTimer:
				if w.trip(ErrorCpuExceeded, "invocation exceeded its CPU time budget") {
					thread.Cancel("cpu time budget exceeded")
				}
				return
			case <-ticker.C:
				if caps.MemoryBytes <= 0 {
					continue
				}
				runtime.ReadMemStats(&sample)
				if sample.HeapAlloc > baseline.HeapAlloc &&
					sample.HeapAlloc-baseline.HeapAlloc > uint64(caps.MemoryBytes) {
					if w.trip(ErrorMemoryExceeded, "invocation exceeded its memory budget") {
						thread.Cancel("memory budget exceeded")
					}
					return
				}
			}
		}
	}()

	return w
}

// trip records the first cap to break; later callers (there is at most
// one other: the CPU timer and the memory ticker run in the same
// goroutine so in practice only one ever fires) lose the race.
func (w *capWatchdog) trip(kind ErrorKind, reason string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.kind != "" {
		return false
	}
	w.kind, w.reason = kind, reason
	return true
}

// breach reports which cap broke, if any.
func (w *capWatchdog) breach() (ErrorKind, string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kind, w.reason
}

// stop halts the watchdog and waits for its goroutine to exit, so Run
// never returns while the watchdog might still call thread.Cancel on a
// thread that's about to be reused or garbage collected mid-callback.
func (w *capWatchdog) stop() {
	close(w.stopCh)
	<-w.doneCh
}
