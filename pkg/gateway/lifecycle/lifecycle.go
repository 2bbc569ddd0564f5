// Package lifecycle holds the relay's drain state. The readiness check
// reports it so load balancers stop routing, and the relay acceptor checks
// it to refuse new sockets with 503 once shutdown has begun.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is shared by the server, the readiness check and the relay
// acceptor. The zero value is serving; a nil *Lifecycle never drains.
type Lifecycle struct {
	drainStart atomic.Int64 // unix nanos, zero while serving
}

// SetDraining starts or cancels a drain. Starting an already running drain
// keeps the original start time.
func (l *Lifecycle) SetDraining(draining bool) {
	l.setDraining(draining, time.Now())
}

func (l *Lifecycle) setDraining(draining bool, now time.Time) {
	if l == nil {
		return
	}
	if !draining {
		l.drainStart.Store(0)
		return
	}
	l.drainStart.CompareAndSwap(0, now.UnixNano())
}

func (l *Lifecycle) IsDraining() bool {
	_, ok := l.DrainingSince()
	return ok
}

// DrainingSince reports when the current drain began.
func (l *Lifecycle) DrainingSince() (time.Time, bool) {
	if l == nil {
		return time.Time{}, false
	}
	ns := l.drainStart.Load()
	if ns == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
