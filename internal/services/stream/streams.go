// Package stream keeps one MJPEG stream of annotated frames per lane.
package stream

import (
	"net/http"
	"sort"
	"sync"

	"github.com/hybridgroup/mjpeg"
)

type Registry struct {
	mu      sync.RWMutex
	streams map[string]*mjpeg.Stream
}

func NewRegistry() *Registry {
	return &Registry{streams: make(map[string]*mjpeg.Stream)}
}

// For returns the lane's stream, creating it on first use.
func (r *Registry) For(lane string) *mjpeg.Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[lane]
	if !ok {
		s = mjpeg.NewStream()
		r.streams[lane] = s
	}
	return s
}

// Handler returns the lane's stream handler, or nil for an unknown lane.
func (r *Registry) Handler(lane string) http.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[lane]
	if !ok {
		return nil
	}
	return s
}

func (r *Registry) Lanes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
