package messaging

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs a task repeatedly until stopped.
type Scheduler interface {
	// Schedule runs task after initialDelay and then every interval.
	// Runs never overlap. The returned stop function cancels future runs
	// and waits for a run in progress to finish.
	Schedule(ctx context.Context, initialDelay, interval time.Duration, task func(context.Context)) (stop func())
}

// TickerScheduler is a Scheduler backed by time.Ticker.
type TickerScheduler struct{}

// Schedule implements Scheduler.
func (TickerScheduler) Schedule(ctx context.Context, initialDelay, interval time.Duration, task func(context.Context)) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		if initialDelay > 0 {
			timer := time.NewTimer(initialDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		task(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task(ctx)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(cancel)
		<-done
	}
}
