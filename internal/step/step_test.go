package step

import (
	"sync/atomic"
	"testing"
	"time"
)

type countingSnapshotter struct{ n int32 }

func (c *countingSnapshotter) Snapshot() error {
	atomic.AddInt32(&c.n, 1)
	return nil
}

func TestRunThreadsReturnValueForward(t *testing.T) {
	seen := make(chan int, 10)
	fn := func(arg interface{}) interface{} {
		n := arg.(int)
		seen <- n
		return n + 1
	}
	snap := &countingSnapshotter{}
	l := New(5*time.Millisecond, fn, snap)
	go l.Run(0)

	for want := 0; want < 3; want++ {
		select {
		case got := <-seen:
			if got != want {
				t.Fatalf("tick %d: got arg %d", want, got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tick")
		}
	}
	l.Stop()
}

func TestStopBlocksUntilLoopExits(t *testing.T) {
	fn := func(arg interface{}) interface{} { return arg }
	l := New(5*time.Millisecond, fn, &countingSnapshotter{})
	go l.Run(nil)
	time.Sleep(20 * time.Millisecond)
	l.Stop()
	select {
	case <-l.doneC:
	default:
		t.Fatal("doneC should be closed after Stop returns")
	}
}

func TestPanicInStepFuncDoesNotCrashLoop(t *testing.T) {
	calls := 0
	fn := func(arg interface{}) interface{} {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return arg
	}
	l := New(5*time.Millisecond, fn, &countingSnapshotter{})
	go l.Run(nil)
	time.Sleep(30 * time.Millisecond)
	l.Stop()
	if calls < 2 {
		t.Fatalf("expected loop to survive panic and keep ticking, got %d calls", calls)
	}
}
