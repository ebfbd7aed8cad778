// internal/inference/lazy.go
package inference

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"github.com/SyedDaiam9101/mri-classifier/internal/metrics"
)

// Loader produces a ready engine.
type Loader func(ctx context.Context) (Engine, error)

// handle counts the users of one loaded engine. Lazy holds one reference while
// the engine is current; every Acquire adds one. The engine is closed when the
// count drops to zero.
type handle struct {
	engine Engine
	refs   atomic.Int64

	closeOnce sync.Once
	closeErr  error
}

func newHandle(engine Engine) *handle {
	h := &handle{engine: engine}
	h.refs.Store(1)
	return h
}

func (h *handle) release() error {
	if h.refs.Add(-1) > 0 {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closeErr = h.engine.Close()
	})
	return h.closeErr
}

// Lazy loads an engine on first use and shares it for the life of the
// process. A failed load is cached and returned to every caller until Reload.
type Lazy struct {
	load Loader

	mu      sync.RWMutex
	done    bool
	current *handle
	err     error
	loads   atomic.Int64
}

// NewLazy returns a Lazy that calls load at most once per Reload.
func NewLazy(load Loader) *Lazy {
	return &Lazy{load: load}
}

// Get returns the shared engine, loading it if needed. Concurrent first calls
// wait for a single load. The engine may be closed by a later Reload; callers
// that run inference on it use Acquire instead.
func (l *Lazy) Get(ctx context.Context) (Engine, error) {
	h, err := l.get(ctx, false)
	if err != nil {
		return nil, err
	}
	return h.engine, nil
}

// Acquire is Get plus a lease: the engine stays open until release is called,
// even if Reload swaps it out in the meantime. release is safe to call more
// than once.
func (l *Lazy) Acquire(ctx context.Context) (Engine, func(), error) {
	h, err := l.get(ctx, true)
	if err != nil {
		return nil, func() {}, err
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := h.release(); err != nil {
				log.Warn().Err(err).Msg("failed to close retired engine")
			}
		})
	}
	return h.engine, release, nil
}

// get returns the current handle, taking a reference when lease is set. The
// reference is taken under the lock so Reload cannot retire the handle between
// the lookup and the increment.
func (l *Lazy) get(ctx context.Context, lease bool) (*handle, error) {
	l.mu.RLock()
	if l.done {
		h, err := l.current, l.err
		if h != nil && lease {
			h.refs.Add(1)
		}
		l.mu.RUnlock()
		return h, err
	}
	l.mu.RUnlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.done {
		var engine Engine
		engine, l.err = l.loadLocked(ctx)
		if engine != nil {
			l.current = newHandle(engine)
		}
		l.done = true
	}
	if l.current != nil && lease {
		l.current.refs.Add(1)
	}
	return l.current, l.err
}

// Reload replaces the shared engine with a fresh load. The previous engine is
// closed once its last lease is released; if the new load fails the previous
// engine keeps serving and the error is returned.
func (l *Lazy) Reload(ctx context.Context) (Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	engine, err := l.loadLocked(ctx)
	if err != nil {
		if l.current != nil {
			return l.current.engine, err
		}
		l.err, l.done = err, true
		return nil, err
	}

	prev := l.current
	if prev != nil && prev.engine == engine {
		l.err, l.done = nil, true
		return engine, nil
	}
	l.current, l.err, l.done = newHandle(engine), nil, true
	if prev != nil {
		if cerr := prev.release(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to close previous engine")
		}
	}
	return engine, nil
}

func (l *Lazy) loadLocked(ctx context.Context) (Engine, error) {
	// A cancelled request must not leave a cached failure behind.
	engine, err := l.load(context.WithoutCancel(ctx))
	l.loads.Add(1)
	if err == nil && engine == nil {
		err = errors.New("loader returned no engine")
	}
	if err != nil && !errors.Is(err, ErrModelLoad) {
		err = errors.Join(ErrModelLoad, err)
	}
	metrics.RecordModelLoad(err)
	if err != nil {
		log.Error().Err(err).Msg("model load failed")
		return nil, err
	}
	return engine, nil
}

// Err reports the cached load error. It is nil before the first load.
func (l *Lazy) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.err
}

// Loaded reports whether a usable engine is cached.
func (l *Lazy) Loaded() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.done && l.current != nil
}

// Loads returns how many times the loader has run.
func (l *Lazy) Loads() int64 {
	return l.loads.Load()
}

// Close drops the cached engine. It is closed now, or when the last
// outstanding lease is released. A later Get loads again.
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var err error
	if l.current != nil {
		err = l.current.release()
	}
	l.current, l.err, l.done = nil, nil, false
	return err
}
