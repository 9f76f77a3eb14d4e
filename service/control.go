package service

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned once the scheduler has been asked to stop.
var ErrStopped = errors.New("scheduler stopped")

type cycleController struct {
	mu       sync.RWMutex
	interval time.Duration
	notify   chan struct{}

	haltOnce sync.Once
	halted   chan struct{}
}

func newCycleController(interval time.Duration) *cycleController {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &cycleController{
		interval: interval,
		notify:   make(chan struct{}, 1),
		halted:   make(chan struct{}),
	}
}

// Wait blocks for one interval. An interval change restarts the wait with
// the new duration.
func (c *cycleController) Wait(ctx context.Context) (time.Time, error) {
	for {
		select {
		case <-c.halted:
			return time.Time{}, ErrStopped
		default:
		}

		c.mu.RLock()
		interval := c.interval
		c.mu.RUnlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return time.Time{}, ctx.Err()
		case <-c.halted:
			timer.Stop()
			return time.Time{}, ErrStopped
		case now := <-timer.C:
			return now, nil
		case <-c.notify:
			timer.Stop()
			continue
		}
	}
}

func (c *cycleController) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultInterval
	}
	c.mu.Lock()
	if c.interval == d {
		c.mu.Unlock()
		return
	}
	c.interval = d
	c.mu.Unlock()
	c.signal()
}

func (c *cycleController) Interval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.interval
}

func (c *cycleController) Halt() {
	c.haltOnce.Do(func() { close(c.halted) })
}

func (c *cycleController) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
