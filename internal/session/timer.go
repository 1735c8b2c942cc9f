package session

import (
	"context"
	"time"
)

// tickerFunc returns a tick channel and the function that stops it
type tickerFunc func(period time.Duration) (<-chan time.Time, func())

func realTicker(period time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(period)
	return t.C, t.Stop
}

// rotationTimer runs onTick for every tick until Stop is called
type rotationTimer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startRotationTimer(ticks <-chan time.Time, stopTicker func(), onTick func(ctx context.Context)) *rotationTimer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &rotationTimer{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(t.done)
		defer stopTicker()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticks:
				onTick(ctx)
			}
		}
	}()

	return t
}

// Stop cancels the timer and waits for an in-progress tick to return
func (t *rotationTimer) Stop() {
	t.cancel()
	<-t.done
}
