package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type periodicEntry struct {
	name     string
	interval time.Duration
	kwargs   map[string]any
	next     time.Time
}

// Periodic fires registered entries onto the runner at fixed intervals.
// Every tick it dispatches each entry whose next slot is due, then moves
// the slot forward by exactly one interval so the cadence stays anchored
// on the original schedule rather than on wall-clock firing times.
type Periodic struct {
	runner *Runner
	tick   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries []*periodicEntry
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// PeriodicOption configures a Periodic.
type PeriodicOption func(*Periodic)

// WithPeriodicLogger sets the logger; the default discards output.
func WithPeriodicLogger(logger *slog.Logger) PeriodicOption {
	return func(p *Periodic) {
		if logger != nil {
			p.logger = logger.With("component", "periodic")
		}
	}
}

// WithPeriodicNow overrides the clock, for tests.
func WithPeriodicNow(now func() time.Time) PeriodicOption {
	return func(p *Periodic) {
		if now != nil {
			p.now = now
		}
	}
}

// WithTick overrides the one-second evaluation tick, for tests.
func WithTick(d time.Duration) PeriodicOption {
	return func(p *Periodic) {
		if d > 0 {
			p.tick = d
		}
	}
}

// NewPeriodic builds a Periodic that dispatches through r.
func NewPeriodic(r *Runner, opts ...PeriodicOption) *Periodic {
	p := &Periodic{
		runner: r,
		tick:   time.Second,
		logger: nopLogger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Add registers a recurring dispatch of the named task. The first slot
// is due immediately, so the entry fires on the next tick. Entries with
// a non-positive interval are ignored.
func (p *Periodic) Add(name string, interval time.Duration, kwargs map[string]any) {
	if name == "" || interval <= 0 {
		p.logger.Warn("ignoring invalid periodic entry", "task", name, "interval", interval)
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, &periodicEntry{
		name:     name,
		interval: interval,
		kwargs:   kwargs,
		next:     p.now(),
	})
}

// Start launches the tick loop. Calling Start on a running Periodic is
// a no-op.
func (p *Periodic) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx)
	p.logger.Info("periodic scheduler started", "entries", len(p.entries), "tick", p.tick)
}

// Shutdown stops the tick loop and waits for it to exit. Entries are
// kept, so a later Start resumes from their current slots.
func (p *Periodic) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	p.logger.Info("periodic scheduler stopped")
}

func (p *Periodic) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.fire(p.now())
		}
	}
}

// fire dispatches every entry whose slot is due at now and advances it
// by one interval. A refused send is logged and the slot still moves,
// so an unregistered or shutting-down task cannot pile up catch-up
// dispatches.
func (p *Periodic) fire(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries {
		if e.next.After(now) {
			continue
		}
		if !p.runner.SendTask(e.name, e.kwargs) {
			p.logger.Warn("periodic dispatch refused", "task", e.name)
		}
		e.next = e.next.Add(e.interval)
	}
}
