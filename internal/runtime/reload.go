package runtime

import "context"

// BatchReady is the binary semaphore posted by the Compressor after each
// batch is enqueued; the Uploader blocks on it (timeout = its period)
// before draining (spec.md §4.6: "Uploader MUST NOT dequeue until
// signalled" — this is the fix for the early-wake race noted in spec.md
// §9).
type BatchReady struct {
	ch chan struct{}
}

func NewBatchReady() *BatchReady {
	return &BatchReady{ch: make(chan struct{}, 1)}
}

// Post signals readiness; a pending, unconsumed signal is not duplicated.
func (b *BatchReady) Post() {
	select {
	case b.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until posted or ctx is done.
func (b *BatchReady) Wait(ctx context.Context) error {
	select {
	case <-b.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReloadSignal is the counting semaphore the Uploader posts once per
// configurable task after a successful upload (spec.md §4.6). Each
// recipient's non-blocking Take at its next cycle decides whether to
// reread its configuration from the KV store — the deferred-apply rule
// that keeps configuration changes from taking effect mid-batch.
//
// golang.org/x/sync/semaphore.Weighted enforces an acquire-before-release
// pairing (see timedmutex.go) that does not fit a signal posted by one
// goroutine and consumed by N unrelated ones, so this is a small
// buffered-channel counting semaphore instead — the idiomatic Go
// replacement for a raw POSIX counting semaphore in exactly this shape.
type ReloadSignal struct {
	ch chan struct{}
}

func NewReloadSignal(capacity int) *ReloadSignal {
	if capacity < 1 {
		capacity = 1
	}
	return &ReloadSignal{ch: make(chan struct{}, capacity)}
}

// PostFanout posts n signals, one per configurable task, non-blocking:
// posts beyond the channel's capacity (which should never happen when n
// equals the capacity this was constructed with) are dropped rather than
// blocking the Uploader.
func (r *ReloadSignal) PostFanout(n int) {
	for i := 0; i < n; i++ {
		select {
		case r.ch <- struct{}{}:
		default:
		}
	}
}

// Take is a zero-timeout, non-blocking check.
func (r *ReloadSignal) Take() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}
