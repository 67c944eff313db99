package backend

import (
	"context"
	"sync"
	"time"
)

// minWake keeps the scheduler from spinning if a deadline is right on top of
// us.
const minWake = 10 * time.Millisecond

// startMaintenance is the scheduler. It sleeps most of the time, waking up on
// the tick interval or at the next poll deadline, whichever is sooner, and
// lets the coordinator open and resolve polls.
//
// Called from Run() in a goroutine
func (b *Backend) startMaintenance(ctx context.Context) {
	for {
		now := time.Now()
		b.coord.Tick(ctx, now)
		b.mu.Lock()
		b.maintCount++
		b.mu.Unlock()

		timer := time.NewTimer(b.nextWake(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// nextWake is how long the scheduler should sleep after a tick at now.
func (b *Backend) nextWake(now time.Time) time.Duration {
	wait := b.config.TickInterval.Duration
	if deadline, ok := b.coord.NextDeadline(); ok {
		if until := deadline.Sub(now); until < wait {
			wait = until
		}
	}
	if wait < minWake {
		wait = minWake
	}
	return wait
}

// startStatusPoller asks every server for its plugin status on the status
// interval. The results show up in the console and the API and confirm that
// a soft-success push actually landed.
func (b *Backend) startStatusPoller(ctx context.Context) {
	ticker := time.NewTicker(b.config.StatusInterval.Duration)
	defer ticker.Stop()
	b.pollStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.pollStatus(ctx)
		}
	}
}

// pollStatus queries all servers at once and waits for every answer.
func (b *Backend) pollStatus(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range b.coord.Targets() {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			values, reply, err := b.coord.Status(ctx, name)
			st := ServerStatus{
				Values:   values,
				Checked:  time.Now().UTC(),
				Strategy: reply.Strategy,
				Soft:     reply.Soft,
			}
			if err != nil {
				st.Err = err.Error()
				b.log.Logf(LogLevelInfo, "[%s] status: %v", name, err)
			} else {
				b.log.Logf(LogLevelDebug, "[%s] status: %v", name, values)
			}
			b.metrics.ObserveStatus(name, st)
			b.mu.Lock()
			b.status[name] = st
			b.mu.Unlock()
		}(t.Name)
	}
	wg.Wait()
}

// LastStatus returns the most recent status poll for a server.
func (b *Backend) LastStatus(name string) (ServerStatus, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.status[name]
	return st, ok
}
