package hub

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Set is a fixed group of topic hubs.
type Set struct {
	hubs map[string]*Hub
}

// NewSet creates one hub per topic.
func NewSet(topics ...string) *Set {
	s := &Set{hubs: make(map[string]*Hub, len(topics))}
	for _, t := range topics {
		s.hubs[t] = New(t)
	}
	return s
}

// SetLogger replaces the logger of every hub.
func (s *Set) SetLogger(logger *slog.Logger) {
	for _, h := range s.hubs {
		h.SetLogger(logger)
	}
}

// Get returns the hub for topic, or nil.
func (s *Set) Get(topic string) *Hub {
	return s.hubs[topic]
}

// Topics returns the topic names in sorted order.
func (s *Set) Topics() []string {
	names := make([]string, 0, len(s.hubs))
	for name := range s.hubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribers returns the client count of topic; unknown topics have none.
func (s *Set) Subscribers(topic string) int {
	h := s.hubs[topic]
	if h == nil {
		return 0
	}
	return h.ClientCount()
}

// Run runs every hub until ctx is done.
func (s *Set) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, h := range s.hubs {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			h.Run(ctx)
		}(h)
	}
	wg.Wait()
}

// Stats returns per-topic counters in topic order.
func (s *Set) Stats() []Stats {
	out := make([]Stats, 0, len(s.hubs))
	for _, name := range s.Topics() {
		out = append(out, s.hubs[name].Stats())
	}
	return out
}
