package pacing

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Pacer imposes inter-request delays that emulate human browsing cadence.
// Both the browser-driven crawl and the BCS client go through a Pacer;
// skipping it measurably raises the chance of the upstream session being
// throttled or banned, so this is a correctness requirement for any
// long-running crawl, not politeness.
type Pacer interface {
	Wait(ctx context.Context) error
	SetDelay(min, max time.Duration)
}

const (
	pageBreakEvery = 10
	longBreakEvery = 50
)

// HumanPacer draws a uniform delay from [min, max] per call. Every 10th
// call in a logical batch takes a longer pagination-style pause and every
// 50th a longer break-style pause; the 50th wins when both apply.
// One HumanPacer maps to one logical identity (account/IP) — do not share
// an instance across identities or the cadence calibration is lost.
type HumanPacer struct {
	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	pageMin  time.Duration
	pageMax  time.Duration
	breakMin time.Duration
	breakMax time.Duration
	calls    int
	lastWake time.Time
	rng      *rand.Rand
}

// New returns a HumanPacer with the default cadence: 1.5–3.5s base,
// 5–12s every 10th call, 15–30s every 50th.
func New(min, max time.Duration) *HumanPacer {
	if max < min {
		max = min
	}
	return &HumanPacer{
		minDelay: min,
		maxDelay: max,
		pageMin:  5 * time.Second,
		pageMax:  12 * time.Second,
		breakMin: 15 * time.Second,
		breakMax: 30 * time.Second,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Wait blocks the caller for the next randomized interval, honouring
// context cancellation.
func (p *HumanPacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	p.calls++
	delay := p.nextDelay()
	p.lastWake = time.Now()
	p.mu.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NextDelay exposes the draw the next Wait call would use. Intended for
// tests; it advances the call counter just like Wait.
func (p *HumanPacer) NextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.nextDelay()
}

func (p *HumanPacer) nextDelay() time.Duration {
	switch {
	case p.calls%longBreakEvery == 0:
		return p.draw(p.breakMin, p.breakMax)
	case p.calls%pageBreakEvery == 0:
		return p.draw(p.pageMin, p.pageMax)
	default:
		return p.draw(p.minDelay, p.maxDelay)
	}
}

func (p *HumanPacer) draw(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(p.rng.Int63n(int64(max-min)))
}

// SetDelay adjusts the base window. The periodic long pauses are not
// affected.
func (p *HumanPacer) SetDelay(min, max time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.minDelay = min
	if max < min {
		max = min
	}
	p.maxDelay = max
}

// SetLongPauses overrides the page-break and long-break windows.
func (p *HumanPacer) SetLongPauses(pageMin, pageMax, breakMin, breakMax time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageMin, p.pageMax = pageMin, pageMax
	p.breakMin, p.breakMax = breakMin, breakMax
}

// Reset starts a new logical batch: the call counter returns to zero so
// the periodic pauses line up with the new batch.
func (p *HumanPacer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = 0
}

// Calls returns the number of paced requests in the current batch.
func (p *HumanPacer) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Noop is a Pacer that never sleeps. For tests.
type Noop struct{}

func (Noop) Wait(ctx context.Context) error  { return ctx.Err() }
func (Noop) SetDelay(min, max time.Duration) {}
