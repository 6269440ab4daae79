package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrConversationNotFound is returned for operations on unknown conversation ids.
var ErrConversationNotFound = errors.New("conversation not found")

// Installer subscribes the stage agents on a freshly created runtime.
type Installer func(rt *Runtime)

// Options configures a Registry.
type Options struct {
	MaxRounds int
	IdleTTL   time.Duration
	Sink      Sink
	Install   Installer
	OnCreate  func(id string)
	OnEvict   func(id string)
	Logger    *slog.Logger

	// MaxRuntimes caps the number of live runtimes. When a sweep finds more,
	// the least recently used idle ones are evicted down to half the cap.
	MaxRuntimes int
}

// Registry owns the runtimes of all live conversations.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*Runtime
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = 3
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger,
		runtimes: make(map[string]*Runtime),
	}
}

// GetOrCreate returns the runtime for id, creating and wiring one if needed.
// Concurrent callers for the same id all receive the same runtime. A runtime
// that has been aborted is replaced.
func (r *Registry) GetOrCreate(id string) (*Runtime, bool) {
	r.mu.Lock()
	old, ok := r.runtimes[id]
	if ok && old.ctx.Err() == nil {
		r.mu.Unlock()
		return old, false
	}

	rt := newRuntime(id, r.opts.MaxRounds, r.opts.Sink, r.logger)
	if r.opts.Install != nil {
		r.opts.Install(rt)
	}
	r.runtimes[id] = rt
	r.mu.Unlock()

	if ok {
		r.stop(old)
	}
	r.logger.Info("runtime created", "conversation_id", id)
	if r.opts.OnCreate != nil {
		r.opts.OnCreate(id)
	}
	return rt, true
}

// Get returns the runtime for id without creating one.
func (r *Registry) Get(id string) (*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return rt, nil
}

// Cleanup removes the runtime for id and cancels its in-flight chain.
// Unknown ids are ignored.
func (r *Registry) Cleanup(id string) {
	r.mu.Lock()
	rt, ok := r.runtimes[id]
	delete(r.runtimes, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	r.stop(rt)
	r.logger.Info("runtime cleaned up", "conversation_id", id)
}

// Sweep evicts runtimes idle longer than the idle TTL and then, if the
// registry is still over MaxRuntimes, the least recently used ones down to
// half the cap. Runtimes with a chain in flight are kept.
func (r *Registry) Sweep(now time.Time) int {
	var evicted []*Runtime
	r.mu.Lock()
	if r.opts.IdleTTL > 0 {
		for id, rt := range r.runtimes {
			if rt.Busy() {
				continue
			}
			if now.Sub(rt.LastUsed()) > r.opts.IdleTTL {
				evicted = append(evicted, rt)
				delete(r.runtimes, id)
			}
		}
	}
	expired := len(evicted)

	if r.opts.MaxRuntimes > 0 && len(r.runtimes) > r.opts.MaxRuntimes {
		idle := make([]*Runtime, 0, len(r.runtimes))
		for _, rt := range r.runtimes {
			if !rt.Busy() {
				idle = append(idle, rt)
			}
		}
		sort.Slice(idle, func(i, j int) bool {
			return idle[i].LastUsed().Before(idle[j].LastUsed())
		})
		target := r.opts.MaxRuntimes / 2
		for _, rt := range idle {
			if len(r.runtimes) <= target {
				break
			}
			evicted = append(evicted, rt)
			delete(r.runtimes, rt.id)
		}
	}
	r.mu.Unlock()

	for _, rt := range evicted {
		r.stop(rt)
	}
	if len(evicted) > 0 {
		r.logger.Info("evicted runtimes",
			"expired", expired,
			"over_capacity", len(evicted)-expired,
			"remaining", r.Len(),
		)
	}
	return len(evicted)
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Total       int   `json:"total_runtimes"`
	Active      int   `json:"active_runtimes"`
	Expired     int   `json:"expired_runtimes"`
	InFlight    int   `json:"in_flight"`
	MaxRuntimes int   `json:"max_runtimes"`
	IdleTTL     int64 `json:"idle_ttl_seconds"`
}

// Stats counts live runtimes as of now. Without an idle TTL nothing expires.
func (r *Registry) Stats(now time.Time) Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{
		Total:       len(r.runtimes),
		MaxRuntimes: r.opts.MaxRuntimes,
		IdleTTL:     int64(r.opts.IdleTTL / time.Second),
	}
	for _, rt := range r.runtimes {
		if rt.Busy() {
			st.InFlight++
		}
		if r.opts.IdleTTL > 0 && now.Sub(rt.LastUsed()) > r.opts.IdleTTL {
			st.Expired++
		} else {
			st.Active++
		}
	}
	return st
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

// Len returns the number of live runtimes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runtimes)
}

func (r *Registry) stop(rt *Runtime) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Warn("runtime cancel panicked", "conversation_id", rt.id, "panic", rec)
		}
	}()
	rt.cancel()
	if r.opts.OnEvict != nil {
		r.opts.OnEvict(rt.id)
	}
}
