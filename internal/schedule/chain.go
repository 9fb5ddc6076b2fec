// Package schedule provides the cancellable leveled escalation timer shared
// by the case and alert services.
package schedule

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level describes one step of an escalation chain.
type Level struct {
	Level      int           `json:"level" yaml:"level"`
	Delay      time.Duration `json:"delay" yaml:"delay"`
	Recipients []string      `json:"recipients" yaml:"recipients"`
	Channels   []string      `json:"channels" yaml:"channels"`
}

// FireFunc is invoked when a level's delay elapses. Returning false stops
// the chain; callers use this to guard against firing on entities that
// reached a terminal state while the timer was pending.
type FireFunc func(level Level) bool

// ChainRunner owns all active escalation chains, keyed by the id of the
// case or alert that started them. Starting a chain for an owner that
// already has one replaces the pending chain.
type ChainRunner struct {
	mu     sync.Mutex
	clock  Clock
	logger *zap.SugaredLogger
	chains map[string]*chain
}

type chain struct {
	ownerID   string
	levels    []Level
	next      int
	fire      FireFunc
	timer     Timer
	cancelled bool
}

// NewChainRunner creates a chain runner using the given clock.
func NewChainRunner(clock Clock, logger *zap.SugaredLogger) *ChainRunner {
	return &ChainRunner{
		clock:  clock,
		logger: logger,
		chains: make(map[string]*chain),
	}
}

// Start begins an escalation chain for ownerID. The first level is scheduled
// after its delay; each subsequent level is scheduled when the previous one
// fires and the FireFunc permits continuation.
func (r *ChainRunner) Start(ownerID string, levels []Level, fire FireFunc) {
	if len(levels) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.chains[ownerID]; ok {
		existing.cancelled = true
		if existing.timer != nil {
			existing.timer.Stop()
		}
	}

	c := &chain{ownerID: ownerID, levels: levels, fire: fire}
	r.chains[ownerID] = c
	r.scheduleLocked(c)

	r.logger.Debugw("Escalation chain started",
		"owner_id", ownerID,
		"levels", len(levels),
		"first_delay", levels[0].Delay)
}

// Cancel stops the pending chain for ownerID, if any. It reports whether a
// chain was cancelled.
func (r *ChainRunner) Cancel(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chains[ownerID]
	if !ok {
		return false
	}
	c.cancelled = true
	if c.timer != nil {
		c.timer.Stop()
	}
	delete(r.chains, ownerID)
	return true
}

// Active reports whether ownerID has a pending chain.
func (r *ChainRunner) Active(ownerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.chains[ownerID]
	return ok
}

// CancelAll stops every pending chain. Called on shutdown.
func (r *ChainRunner) CancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.chains {
		c.cancelled = true
		if c.timer != nil {
			c.timer.Stop()
		}
		delete(r.chains, id)
	}
}

// scheduleLocked arms the timer for the chain's next level. Caller holds r.mu.
func (r *ChainRunner) scheduleLocked(c *chain) {
	level := c.levels[c.next]
	c.timer = r.clock.AfterFunc(level.Delay, func() {
		r.onFire(c, level)
	})
}

func (r *ChainRunner) onFire(c *chain, level Level) {
	r.mu.Lock()
	if c.cancelled {
		r.mu.Unlock()
		return
	}
	c.next++
	r.mu.Unlock()

	// The callback runs outside the lock: it typically re-enters the
	// dispatcher, which may call Cancel on this runner.
	proceed := c.fire(level)

	r.mu.Lock()
	defer r.mu.Unlock()
	if c.cancelled {
		return
	}
	if !proceed || c.next >= len(c.levels) {
		delete(r.chains, c.ownerID)
		return
	}
	r.scheduleLocked(c)
}
