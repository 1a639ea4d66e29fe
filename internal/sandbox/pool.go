package sandbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// Session is anything the pool can hand out. Stop lets go of it and leaves
// it running; Destroy tears it down.
type Session interface {
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
}

type PoolOptions struct {
	IdleTTL       time.Duration
	SweepInterval time.Duration
	Clock         clock.WithTicker
}

// Pool caches one session per key. Entries idle longer than IdleTTL are
// destroyed by Sweep, which Run calls on every SweepInterval tick. Each
// process owns its entries; there is no cross-process coordination.
type Pool[S Session] struct {
	factory func(ctx context.Context, key string) (S, error)
	ttl     time.Duration
	every   time.Duration
	clock   clock.WithTicker
	log     *zap.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry[S]
}

type poolEntry[S Session] struct {
	session  S
	err      error
	ready    chan struct{}
	lastUsed time.Time
	refs     int
}

func NewPool[S Session](factory func(ctx context.Context, key string) (S, error), opts PoolOptions, log *zap.Logger) *Pool[S] {
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = 30 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Pool[S]{
		factory: factory,
		ttl:     opts.IdleTTL,
		every:   opts.SweepInterval,
		clock:   opts.Clock,
		log:     log.With(zap.String("component", "sandbox-pool")),
		entries: make(map[string]*poolEntry[S]),
	}
}

// acquire returns the session for key, creating it on first use. Concurrent
// callers for the same key share one creation.
func (p *Pool[S]) acquire(ctx context.Context, key string) (*poolEntry[S], error) {
	p.mu.Lock()
	e, ok := p.entries[key]
	if !ok {
		e = &poolEntry[S]{ready: make(chan struct{})}
		p.entries[key] = e
		e.refs++
		p.mu.Unlock()

		s, err := p.factory(ctx, key)

		p.mu.Lock()
		e.session, e.err = s, err
		e.lastUsed = p.clock.Now()
		if err != nil {
			delete(p.entries, key)
		}
		close(e.ready)
		p.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return e, nil
	}
	e.refs++
	p.mu.Unlock()

	select {
	case <-e.ready:
	case <-ctx.Done():
		p.release(e)
		return nil, ctx.Err()
	}
	if e.err != nil {
		p.release(e)
		return nil, e.err
	}
	return e, nil
}

func (p *Pool[S]) release(e *poolEntry[S]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e.refs--
	e.lastUsed = p.clock.Now()
}

// Get returns the session for key without holding it.
func (p *Pool[S]) Get(ctx context.Context, key string) (S, error) {
	e, err := p.acquire(ctx, key)
	if err != nil {
		var zero S
		return zero, err
	}
	p.release(e)
	return e.session, nil
}

// Do runs fn with the session for key. If fn reports ErrSessionGone the
// entry it ran on is evicted and fn runs once more against a fresh session.
// An entry another caller already replaced is left alone.
func (p *Pool[S]) Do(ctx context.Context, key string, fn func(S) error) error {
	e, err := p.do(ctx, key, fn)
	if !errors.Is(err, ErrSessionGone) {
		return err
	}
	p.log.Warn("pooled session gone, evicting and retrying", zap.String("key", key), zap.Error(err))
	p.evictEntry(ctx, key, e)
	_, err = p.do(ctx, key, fn)
	return err
}

func (p *Pool[S]) do(ctx context.Context, key string, fn func(S) error) (*poolEntry[S], error) {
	e, err := p.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer p.release(e)
	return e, fn(e.session)
}

// Evict drops key and destroys its session. It reports whether the pool
// held an entry for key.
func (p *Pool[S]) Evict(ctx context.Context, key string) bool {
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.destroyEntry(ctx, key, e)
	return true
}

// evictEntry removes key only while it still maps to e. Whoever removes an
// entry from the map owns tearing it down.
func (p *Pool[S]) evictEntry(ctx context.Context, key string, e *poolEntry[S]) {
	if e == nil {
		return
	}
	p.mu.Lock()
	cur, ok := p.entries[key]
	owned := ok && cur == e
	if owned {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if owned {
		p.destroyEntry(ctx, key, e)
	}
}

func (p *Pool[S]) destroyEntry(ctx context.Context, key string, e *poolEntry[S]) {
	<-e.ready
	if e.err == nil {
		p.destroy(ctx, key, e.session)
	}
}

// Sweep destroys every idle entry older than the TTL and returns how many
// were removed.
func (p *Pool[S]) Sweep(ctx context.Context) int {
	now := p.clock.Now()
	var expired []string
	var sessions []S

	p.mu.Lock()
	for key, e := range p.entries {
		select {
		case <-e.ready:
		default:
			continue
		}
		if e.refs > 0 || now.Sub(e.lastUsed) <= p.ttl {
			continue
		}
		expired = append(expired, key)
		sessions = append(sessions, e.session)
		delete(p.entries, key)
	}
	p.mu.Unlock()

	for i, key := range expired {
		p.destroy(ctx, key, sessions[i])
	}
	if len(expired) > 0 {
		p.log.Info("swept idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps on every interval until ctx is done.
func (p *Pool[S]) Run(ctx context.Context) {
	ticker := p.clock.NewTicker(p.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			p.Sweep(ctx)
		}
	}
}

// Close stops every entry and empties the pool. Sessions stay up so a
// later process can attach to them again.
func (p *Pool[S]) Close(ctx context.Context) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry[S])
	p.mu.Unlock()

	for key, e := range entries {
		<-e.ready
		if e.err != nil {
			continue
		}
		if err := e.session.Stop(ctx); err != nil {
			p.log.Warn("failed to stop pooled session", zap.String("key", key), zap.Error(err))
		}
	}
}

func (p *Pool[S]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Pool[S]) destroy(ctx context.Context, key string, s S) {
	if err := s.Destroy(ctx); err != nil {
		p.log.Warn("failed to destroy pooled session", zap.String("key", key), zap.Error(err))
	}
}
