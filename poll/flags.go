// Package poll provides the readiness primitives the socket layer uses to
// emulate blocking I/O over a non-blocking stack: a bit-flag wait/notify
// signal with timeout, and a subscriber list for readiness callbacks.
package poll

import (
	"errors"
	"sync"
	"time"
)

// Forever makes Wait block without a deadline.
const Forever time.Duration = -1

// ErrTimedOut reports that a Wait elapsed before any requested flag was set.
var ErrTimedOut = errors.New("poll: wait timed out")

// Flags 是一个基于位标志的等待/通知原语。任意多个 goroutine 可以在
// Wait 中阻塞，直到别的 goroutine 通过 Set 投递了它们关心的标志位。
//
// 实现上沿用 channel 关闭即“就绪”的做法：每次 Set 关闭当前 channel 唤醒
// 所有等待者，然后换一个新的 channel。唤醒后等待者重新检查自己的掩码，
// 不保证 FIFO 公平性 —— 正确性只依赖“标志被投递后至少有一个等待者会
// 重新尝试”。
// The zero value is ready to use.
type Flags struct {
	mu   sync.Mutex
	bits uint32
	ch   chan struct{}
}

// waitChan returns the current generation channel. Callers hold f.mu.
func (f *Flags) waitChan() chan struct{} {
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}

// Set posts the given flags and wakes every waiter. Waiters whose mask does
// not intersect the posted flags go back to sleep on the replacement
// channel. Idempotent for already-set flags.
func (f *Flags) Set(mask uint32) {
	f.mu.Lock()
	f.bits |= mask
	close(f.waitChan())
	f.ch = make(chan struct{})
	f.mu.Unlock()
}

// WaitAny blocks until at least one flag in mask is set, then clears and
// returns the matched flags. A timeout of Forever never expires; a zero
// timeout performs a single non-blocking check.
func (f *Flags) WaitAny(mask uint32, timeout time.Duration) (uint32, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	f.mu.Lock()
	for {
		if got := f.bits & mask; got != 0 {
			f.bits &^= got
			f.mu.Unlock()
			return got, nil
		}
		if timeout == 0 {
			f.mu.Unlock()
			return 0, ErrTimedOut
		}
		ch := f.waitChan()
		f.mu.Unlock()

		if timeout == Forever {
			<-ch
		} else {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return 0, ErrTimedOut
			}
			timer := time.NewTimer(remaining)
			select {
			case <-ch:
				timer.Stop()
			case <-timer.C:
				return 0, ErrTimedOut
			}
		}
		f.mu.Lock()
	}
}

// Peek reports the currently set flags without clearing them.
func (f *Flags) Peek() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bits
}

// Clear removes the given flags without waking anyone.
func (f *Flags) Clear(mask uint32) {
	f.mu.Lock()
	f.bits &^= mask
	f.mu.Unlock()
}
