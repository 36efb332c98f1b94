package poll

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	flagA uint32 = 1 << iota
	flagB
	flagC
)

func TestWaitAnyReturnsAlreadySetFlags(t *testing.T) {
	var f Flags
	f.Set(flagA | flagB)

	got, err := f.WaitAny(flagA, Forever)
	require.NoError(t, err)
	require.Equal(t, flagA, got)

	// flagA 已被消费，flagB 仍在。
	require.Equal(t, flagB, f.Peek())
}

func TestWaitAnyZeroTimeoutIsSingleCheck(t *testing.T) {
	var f Flags

	start := time.Now()
	_, err := f.WaitAny(flagA, 0)
	require.ErrorIs(t, err, ErrTimedOut)
	require.Less(t, time.Since(start), 50*time.Millisecond)

	f.Set(flagA)
	got, err := f.WaitAny(flagA, 0)
	require.NoError(t, err)
	require.Equal(t, flagA, got)
}

func TestWaitAnyTimesOut(t *testing.T) {
	var f Flags

	start := time.Now()
	_, err := f.WaitAny(flagA, 100*time.Millisecond)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimedOut)
	require.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	require.Less(t, elapsed, 2*time.Second)
}

func TestSetWakesBlockedWaiter(t *testing.T) {
	var f Flags

	done := make(chan uint32, 1)
	go func() {
		got, err := f.WaitAny(flagB, Forever)
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	f.Set(flagB)

	select {
	case got := <-done:
		require.Equal(t, flagB, got)
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestWaiterIgnoresUnrelatedFlags(t *testing.T) {
	var f Flags

	done := make(chan struct{})
	go func() {
		_, _ = f.WaitAny(flagC, Forever)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	f.Set(flagA) // wakes, but the mask does not match; waiter re-arms

	select {
	case <-done:
		t.Fatal("waiter returned for a flag outside its mask")
	case <-time.After(100 * time.Millisecond):
	}

	f.Set(flagC)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter missed its flag")
	}
}

func TestSetWakesAllWaiters(t *testing.T) {
	var f Flags
	const waiters = 8

	var wg sync.WaitGroup
	wg.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			defer wg.Done()
			// 所有人等同一个掩码；Set 只投递一份标志，但每个等待者
			// 都必须醒来（其中一个消费标志，其余重新武装后由下面的
			// 循环继续投递唤醒）。
			_, _ = f.WaitAny(flagA, time.Second)
		}()
	}

	donech := make(chan struct{})
	go func() {
		wg.Wait()
		close(donech)
	}()

	for {
		select {
		case <-donech:
			return
		case <-time.After(5 * time.Millisecond):
			f.Set(flagA)
		}
	}
}

func TestClearRemovesWithoutWaking(t *testing.T) {
	var f Flags
	f.Set(flagA | flagB)
	f.Clear(flagA)
	require.Equal(t, flagB, f.Peek())
}
