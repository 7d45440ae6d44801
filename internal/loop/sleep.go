package loop

import (
	"context"
	"time"

	"github.com/cogsched/cogsched/pkg/models"
)

// subAgentTick is the granularity at which a sleeping loop still drains the
// sub-agent's energy and messages.
const subAgentTick = 100 * time.Millisecond

// maxAwaitRounds bounds await_energy: the wait gives up after this many
// sleeps even if the requested level was not reached.
const maxAwaitRounds = 10

// recoverySleep sleeps proportionally to the energy deficit when no
// conversation needs attention, replenishing the reservoir while draining
// the sub-agent on a fine-grained tick.
func (l *Loop) recoverySleep(ctx context.Context) {
	level := l.opts.Regulator.Level()
	_, max := l.opts.Regulator.Bounds()

	d := l.opts.SleepMin
	if level < max {
		if rate := l.opts.Regulator.Rate(); rate > 0 {
			d = clampDuration(time.Duration((max-level)/rate*float64(time.Second)), l.opts.SleepMin, l.opts.SleepMax)
		} else {
			d = l.opts.SleepMax
		}
	}
	l.sleep(ctx, d, "")
}

// awaitEnergy sleeps until the reservoir reaches minLevel or the bounded
// maximum wait elapses, then returns the level reached.
func (l *Loop) awaitEnergy(ctx context.Context, minLevel float64) float64 {
	_, max := l.opts.Regulator.Bounds()
	if minLevel > max {
		minLevel = max
	}

	l.mu.Lock()
	focus := l.cycleFocus
	l.mu.Unlock()

	for round := 0; round < maxAwaitRounds; round++ {
		level := l.opts.Regulator.Level()
		if level >= minLevel || ctx.Err() != nil {
			break
		}
		d := l.opts.SleepMax
		if rate := l.opts.Regulator.Rate(); rate > 0 {
			d = clampDuration(time.Duration((minLevel-level)/rate*float64(time.Second)), l.opts.SleepMin, l.opts.SleepMax)
		}
		l.sleep(ctx, d, focus)
	}
	return l.opts.Regulator.Level()
}

// sleep performs one observable sleep: sleep_start, ticked waiting with
// sub-agent drains and replenishment, sleep_end. requestID, when set, gets
// its sleepCycles counter bumped.
func (l *Loop) sleep(ctx context.Context, d time.Duration, requestID string) {
	before := l.opts.Regulator.Level()
	l.bus.Publish(models.Event{Type: models.EventSleepStart, Payload: models.SleepStart{
		PlannedDuration: d,
		EnergyLevel:     before,
	}})

	start := l.now()
	l.sleepFn(ctx, d)
	elapsed := l.now().Sub(start)

	l.opts.Regulator.Replenish(elapsed)
	after := l.opts.Regulator.Level()

	l.mu.Lock()
	l.sleepCycles++
	l.mu.Unlock()
	if requestID != "" {
		if err := l.opts.Store.IncrementSleepCycles(ctx, requestID); err != nil {
			l.logger.Debug("sleep cycle not counted", "conversation", requestID, "error", err)
		}
	}

	l.bus.Publish(models.Event{Type: models.EventSleepEnd, Payload: models.SleepEnd{
		Duration:       elapsed,
		EnergyRestored: after - before,
		NewEnergyLevel: after,
	}})
	l.publishEnergy()
}

// defaultSleep waits wall-clock time in sub-agent-drain ticks. Waking early
// on cancellation is the only early exit; a due high-priority conversation
// is picked up at the next cycle boundary, at most one tick away once the
// sleep ends.
func (l *Loop) defaultSleep(ctx context.Context, d time.Duration) {
	deadline := l.now().Add(d)
	for {
		remaining := deadline.Sub(l.now())
		if remaining <= 0 || ctx.Err() != nil {
			return
		}
		tick := subAgentTick
		if remaining < tick {
			tick = remaining
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
		}
		l.drainSubAgent(ctx)
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
