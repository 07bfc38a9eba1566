package flowrun

import "sync"

// ProgressStep is one human-readable milestone a flow reports through
// IO.Progress. spec.md section 3 names a "progress-tracker" as part of
// every flow record; section 4.5 exposes it to RPC clients that start a
// flow with StartTrackedFlow as a Feed{snapshot, updates} (section 9).
type ProgressStep string

// progressTracker accumulates the steps one Run has reported and
// broadcasts new ones to whichever RPC handlers are currently streaming
// them. Like Manager's change-stream subscribers (manager.go), a slow
// subscriber must never block flow progress, so publishing is
// non-blocking and drops the oldest buffered step on overflow.
type progressTracker struct {
	mu    sync.Mutex
	steps []ProgressStep
	subs  map[int]chan ProgressStep
	next  int
}

func newProgressTracker() *progressTracker {
	return &progressTracker{subs: make(map[int]chan ProgressStep)}
}

func (p *progressTracker) record(step ProgressStep) {
	p.mu.Lock()
	p.steps = append(p.steps, step)
	for _, ch := range p.subs {
		select {
		case ch <- step:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- step:
			default:
			}
		}
	}
	p.mu.Unlock()
}

// Subscribe returns the steps reported so far plus a channel of every
// step reported from now on. The channel is closed when unsubscribe is
// called; callers must always call it to avoid leaking the subscription.
func (p *progressTracker) Subscribe() (snapshot []ProgressStep, updates <-chan ProgressStep, unsubscribe func()) {
	p.mu.Lock()
	var id = p.next
	p.next++
	var ch = make(chan ProgressStep, 16)
	p.subs[id] = ch
	var snap = append([]ProgressStep(nil), p.steps...)
	p.mu.Unlock()

	return snap, ch, func() {
		p.mu.Lock()
		if ch, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(ch)
		}
		p.mu.Unlock()
	}
}

// Progress reports one human-readable milestone for the owning Run's
// progress feed. It is not a suspension point and never checkpoints:
// losing an in-flight progress step on crash is acceptable, unlike
// losing a session message.
func (io *IO) Progress(step string) {
	io.run.progress.record(ProgressStep(step))
}

// ProgressSnapshot returns the steps reported so far and a live feed of
// further ones, for the RPC lifecycle surface's StartTrackedFlow.
func (r *Run) ProgressSnapshot() (snapshot []ProgressStep, updates <-chan ProgressStep, unsubscribe func()) {
	return r.progress.Subscribe()
}
