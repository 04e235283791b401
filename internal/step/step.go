// Package step runs the periodic snapshot-and-callback loop described in
// spec.md §4.9: on a fixed cadence it snapshots persisted state and calls
// a user-supplied function, threading its return value into the next
// call.
package step

import (
	"time"

	"github.com/cenkalti/dcshare/internal/logger"
)

// Func is the user step callback. It receives the opaque argument
// returned by the previous call (or the initial arg on the first call)
// and returns the argument for the next call.
type Func func(arg interface{}) interface{}

// Snapshotter persists state once per tick. Run logs a Snapshot error as a
// warning and carries on with the tick; the error is not returned.
type Snapshotter interface {
	Snapshot() error
}

// Loop is the cooperative periodic step runner.
type Loop struct {
	interval time.Duration
	fn       Func
	snap     Snapshotter
	log      logger.Logger

	stopC chan struct{}
	doneC chan struct{}
}

// New builds a Loop that calls fn and snap.Snapshot every interval once
// Run is called; Run takes the first call's argument.
func New(interval time.Duration, fn Func, snap Snapshotter) *Loop {
	return &Loop{
		interval: interval,
		fn:       fn,
		snap:     snap,
		log:      logger.New("step"),
		stopC:    make(chan struct{}),
		doneC:    make(chan struct{}),
	}
}

// Run blocks until Stop is called, invoking fn and the snapshotter once
// per tick. initial is the argument passed to the first call.
func (l *Loop) Run(initial interface{}) {
	defer close(l.doneC)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	arg := initial
	for {
		select {
		case <-l.stopC:
			return
		case <-ticker.C:
			if err := l.snap.Snapshot(); err != nil {
				l.log.Warningln("snapshot failed:", err)
			}
			arg = l.callSafely(arg)
		}
	}
}

func (l *Loop) callSafely(arg interface{}) (next interface{}) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Errorln("step function panicked:", r)
			next = arg
		}
	}()
	return l.fn(arg)
}

// Stop requests termination and blocks until Run has returned.
func (l *Loop) Stop() {
	close(l.stopC)
	<-l.doneC
}
