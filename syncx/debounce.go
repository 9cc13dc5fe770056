package syncx

import (
	"sync"
	"time"
)

// FuncDebounce coalesces bursts of Call() into one delayed invocation of f.
// Used to avoid reinstalling rules for every write event while an editor is
// still saving the file.
type FuncDebounce struct {
	f        func()
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
}

func NewFuncDebounce(duration time.Duration, f func()) FuncDebounce {
	return FuncDebounce{
		f:        f,
		duration: duration,
	}
}

func (d *FuncDebounce) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.duration, d.f)
}
