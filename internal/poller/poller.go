// Package poller periodically checks live playback sessions and tears down,
// pauses or hands over control of the ones that are no longer healthy.
package poller

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/rzpsarthak13/history-absorber/internal/core"
	"github.com/rzpsarthak13/history-absorber/internal/metrics"
)

// Config contains configuration for the health poller.
type Config struct {
	// Interval between passes.
	Interval time.Duration

	// StaggerEvery is the number of sessions checked between pauses.
	StaggerEvery int

	// StaggerPause is how long to pause after every StaggerEvery sessions.
	StaggerPause time.Duration

	// MemberTTL is how long a session's member list is reused before it is
	// refreshed from the platform.
	MemberTTL time.Duration
}

// DefaultConfig returns sensible defaults for the poller.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Minute,
		StaggerEvery: 5,
		StaggerPause: 100 * time.Millisecond,
		MemberTTL:    30 * time.Second,
	}
}

// Gate tells the poller whether the process is still accepting work.
type Gate interface {
	Accepting() bool
}

// Report summarizes one pass.
type Report struct {
	Checked     int
	TornDown    int
	Paused      int
	Reassigned  int
	Reconnected int
	Errors      int
}

type memberCache struct {
	members   []core.Member
	fetchedAt time.Time
}

// Poller runs the periodic session health pass.
type Poller struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	source core.SessionSource
	gate   Gate
	config Config
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	cacheMu sync.Mutex
	cache   map[string]memberCache
	// locks are never removed, so a held lock is never replaced.
	locks   map[string]*sync.Mutex
}

// New creates a poller over source. gate may be nil.
func New(source core.SessionSource, gate Gate, config Config) *Poller {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.StaggerEvery <= 0 {
		config.StaggerEvery = defaults.StaggerEvery
	}
	if config.StaggerPause < 0 {
		config.StaggerPause = 0
	}
	if config.MemberTTL < 0 {
		config.MemberTTL = 0
	}

	return &Poller{
		source: source,
		gate:   gate,
		config: config,
		now:    time.Now,
		sleep:  sleepContext,
		cache:  make(map[string]memberCache),
		locks:  make(map[string]*sync.Mutex),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs a pass immediately and then every Interval.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		log.Printf("[POLLER] Already running")
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	go p.run(ctx, stopCh, doneCh)
	log.Printf("[POLLER] Started (interval: %v, stagger: %d/%v)", p.config.Interval, p.config.StaggerEvery, p.config.StaggerPause)
	return nil
}

// Stop stops the poller and waits for an in-progress pass to return.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stopCh, doneCh := p.stopCh, p.doneCh
	p.mu.Unlock()

	close(stopCh)
	<-doneCh
	log.Printf("[POLLER] Stopped")
	return nil
}

func (p *Poller) exited(stopCh chan struct{}) {
	p.mu.Lock()
	if p.running && p.stopCh == stopCh {
		p.running = false
	}
	p.mu.Unlock()
}

// IsRunning returns whether the poller is currently running.
func (p *Poller) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// run exits on Stop or when ctx is cancelled. In the latter case the
// poller is marked stopped so it can be started again.
func (p *Poller) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	defer p.exited(stopCh)

	passCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-passCtx.Done():
		}
	}()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		report := p.Pass(passCtx)
		if report.Checked > 0 {
			log.Printf("[POLLER] Pass done: checked=%d torn_down=%d paused=%d reassigned=%d errors=%d",
				report.Checked, report.TornDown, report.Paused, report.Reassigned, report.Errors)
		}

		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pass checks every session once, in session ID order. It returns early when
// ctx is cancelled or the gate stops accepting.
func (p *Poller) Pass(ctx context.Context) Report {
	var report Report

	sessions := append([]core.Session(nil), p.source.Sessions()...)
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID() < sessions[j].ID() })

	seen := make(map[string]struct{}, len(sessions))
	for i, s := range sessions {
		if ctx.Err() != nil || !p.accepting() {
			return report
		}
		if i > 0 && i%p.config.StaggerEvery == 0 {
			if err := p.sleep(ctx, p.config.StaggerPause); err != nil {
				return report
			}
		}

		seen[s.ID()] = struct{}{}
		report.Checked++
		outcome, err := p.CheckSession(ctx, s)
		if err != nil {
			report.Errors++
			log.Printf("[POLLER] Session %s check failed: %v", s.ID(), err)
		}
		switch outcome {
		case OutcomeTornDown:
			report.TornDown++
		case OutcomePaused:
			report.Paused++
		case OutcomeReassigned:
			report.Reassigned++
		case OutcomeReconnected:
			report.Reconnected++
		}
	}

	p.pruneCache(seen)
	return report
}

// Outcome is the action CheckSession took.
type Outcome int

const (
	OutcomeHealthy Outcome = iota
	OutcomeTornDown
	OutcomePaused
	OutcomeReassigned
	OutcomeReconnected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeTornDown:
		return "teardown"
	case OutcomePaused:
		return "pause"
	case OutcomeReassigned:
		return "reassign"
	case OutcomeReconnected:
		return "reconnect"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// CheckSession evaluates one session. Checks of the same session never run
// concurrently.
func (p *Poller) CheckSession(ctx context.Context, s core.Session) (Outcome, error) {
	lock := p.sessionLock(s.ID())
	lock.Lock()
	defer lock.Unlock()

	if !s.IsActive() {
		return p.teardown(ctx, s, "inactive")
	}

	members, err := p.members(ctx, s)
	if err != nil {
		return OutcomeHealthy, fmt.Errorf("refresh members: %w", err)
	}

	eligible := eligibleMembers(members)
	hasListener := false
	for _, m := range eligible {
		if !m.Deafened {
			hasListener = true
			break
		}
	}

	outcome := OutcomeHealthy
	if s.Idle() || !hasListener {
		if !s.AlwaysOn() {
			reason := "idle"
			if !hasListener {
				reason = "no listeners"
			}
			return p.teardown(ctx, s, reason)
		}
		if !s.Paused() {
			if err := s.SetPaused(ctx, true); err != nil {
				return OutcomeHealthy, fmt.Errorf("pause: %w", err)
			}
			metrics.SessionActionsTotal.WithLabelValues(OutcomePaused.String()).Inc()
			log.Printf("[POLLER] Session %s paused (always-on)", s.ID())
			outcome = OutcomePaused
		}
	} else if r, ok := s.(core.Reconnector); ok && !r.Connected() {
		if err := r.Reconnect(ctx); err != nil {
			return OutcomeHealthy, fmt.Errorf("reconnect: %w", err)
		}
		metrics.SessionActionsTotal.WithLabelValues(OutcomeReconnected.String()).Inc()
		log.Printf("[POLLER] Session %s reconnected", s.ID())
		outcome = OutcomeReconnected
	}

	controller := s.Controller()
	if controller != "" && containsMember(eligible, controller) {
		return outcome, nil
	}
	if len(eligible) == 0 {
		// Only reachable for always-on sessions; the others were torn down above.
		if controller != "" {
			s.SetController("")
			metrics.SessionActionsTotal.WithLabelValues("clear_controller").Inc()
			log.Printf("[POLLER] Session %s controller cleared", s.ID())
		}
		return outcome, nil
	}

	next := eligible[0].ID
	s.SetController(next)
	metrics.SessionActionsTotal.WithLabelValues(OutcomeReassigned.String()).Inc()
	log.Printf("[POLLER] Session %s controller %q -> %q", s.ID(), controller, next)
	if outcome == OutcomeHealthy {
		outcome = OutcomeReassigned
	}
	return outcome, nil
}

func (p *Poller) teardown(ctx context.Context, s core.Session, reason string) (Outcome, error) {
	p.forget(s.ID())
	if err := s.Teardown(ctx); err != nil {
		return OutcomeHealthy, fmt.Errorf("teardown (%s): %w", reason, err)
	}
	metrics.SessionActionsTotal.WithLabelValues(OutcomeTornDown.String()).Inc()
	log.Printf("[POLLER] Session %s torn down (%s)", s.ID(), reason)
	return OutcomeTornDown, nil
}

// members returns the cached member list, refreshing it once it is older
// than MemberTTL.
func (p *Poller) members(ctx context.Context, s core.Session) ([]core.Member, error) {
	now := p.now()

	p.cacheMu.Lock()
	entry, ok := p.cache[s.ID()]
	p.cacheMu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < p.config.MemberTTL {
		return entry.members, nil
	}

	if err := s.Refresh(ctx); err != nil {
		return nil, err
	}
	members := s.ListMembers()

	p.cacheMu.Lock()
	p.cache[s.ID()] = memberCache{members: members, fetchedAt: now}
	p.cacheMu.Unlock()
	return members, nil
}

func (p *Poller) forget(id string) {
	p.cacheMu.Lock()
	delete(p.cache, id)
	p.cacheMu.Unlock()
}

func (p *Poller) pruneCache(seen map[string]struct{}) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	for id := range p.cache {
		if _, ok := seen[id]; !ok {
			delete(p.cache, id)
		}
	}
}

func (p *Poller) sessionLock(id string) *sync.Mutex {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	lock, ok := p.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[id] = lock
	}
	return lock
}

func (p *Poller) accepting() bool {
	return p.gate == nil || p.gate.Accepting()
}

// eligibleMembers returns the non-bot members ordered by join time, then ID.
func eligibleMembers(members []core.Member) []core.Member {
	eligible := make([]core.Member, 0, len(members))
	for _, m := range members {
		if !m.Bot {
			eligible = append(eligible, m)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].JoinedAt.Equal(eligible[j].JoinedAt) {
			return eligible[i].JoinedAt.Before(eligible[j].JoinedAt)
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible
}

func containsMember(members []core.Member, id string) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
