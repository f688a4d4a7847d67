package tts

import (
	"context"
	"sync"
	"time"
)

// registry tracks in-flight playbacks so Cancel can stop them by id
type registry struct {
	mu      sync.Mutex
	entries map[string]playback
}

type playback struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func newRegistry() *registry {
	return &registry{entries: make(map[string]playback)}
}

// add registers a playback; the caller closes the returned channel once its
// stream goroutine has exited
func (r *registry) add(id string, cancel context.CancelFunc) chan struct{} {
	done := make(chan struct{})
	r.mu.Lock()
	r.entries[id] = playback{cancel: cancel, done: done}
	r.mu.Unlock()
	return done
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// cancel stops a playback and waits for its stream to exit. Unknown or
// finished playbacks cost nothing.
func (r *registry) cancel(id string) time.Duration {
	r.mu.Lock()
	p, ok := r.entries[id]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	start := time.Now()
	p.cancel()
	<-p.done
	return time.Since(start)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
