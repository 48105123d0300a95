package watchdog

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// maxTraceBuffer bounds the all-goroutine dump taken on interruption.
const maxTraceBuffer = 8 << 20

// Owner is the handle to the goroutine executing a registered task.
// The watchdog interrupts a task by cancelling the owner's context
// with a [*DeadlineExceededError] cause.
type Owner struct {
	cancel context.CancelCauseFunc

	goid atomic.Uint64

	finishOnce sync.Once
	done       chan struct{}
}

// NewOwner returns an Owner that interrupts by calling cancel.
// The goroutine running the task should call [*Owner.Bind] when it starts
// and [*Owner.Finish] when it returns.
func NewOwner(cancel context.CancelCauseFunc) *Owner {
	return &Owner{
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Bind records the calling goroutine as the one executing the task,
// so its stack can be attached to a [*DeadlineExceededError].
func (o *Owner) Bind() {
	o.goid.Store(currentGoroutineID())
}

// Finish marks the task as no longer executing.
// It is safe to call more than once.
func (o *Owner) Finish() {
	o.finishOnce.Do(func() { close(o.done) })
}

// Done is closed once [*Owner.Finish] has been called.
func (o *Owner) Done() <-chan struct{} {
	return o.done
}

// alive reports whether the task may still be running.
// A nil owner cannot be observed and is treated as alive.
func (o *Owner) alive() bool {
	if o == nil {
		return true
	}
	select {
	case <-o.done:
		return false
	default:
		return true
	}
}

// interrupt delivers err to the owner.
// A finished owner cannot be interrupted.
func (o *Owner) interrupt(err *DeadlineExceededError) error {
	if o == nil || o.cancel == nil || !o.alive() {
		return errRegistryInconsistency
	}
	o.cancel(err)
	return nil
}

// trace returns the owner goroutine's current stack, or "" if unavailable.
func (o *Owner) trace() string {
	if o == nil {
		return ""
	}
	return goroutineStack(o.goid.Load())
}

// currentGoroutineID parses the header line of the caller's stack,
// "goroutine 18 [running]:".
func currentGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	f := bytes.Fields(buf[:n])
	if len(f) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(f[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func goroutineStack(id uint64) string {
	if id == 0 {
		return ""
	}

	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		if len(buf) >= maxTraceBuffer {
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	prefix := []byte("goroutine " + strconv.FormatUint(id, 10) + " ")
	for _, block := range bytes.Split(buf, []byte("\n\n")) {
		if bytes.HasPrefix(block, prefix) {
			return string(block)
		}
	}
	return ""
}
