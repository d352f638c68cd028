package discovery

import (
	"context"
	"sync"
)

// Observation is one neighbor sighting reported by a Source during a cycle.
type Observation struct {
	ID             string
	Name           string
	Address        string
	SignalStrength int
	IsRelay        bool
}

// Source reports the neighbors currently in range.
type Source interface {
	Observe(ctx context.Context) ([]Observation, error)
}

// FuncSource adapts a function to Source.
type FuncSource func(ctx context.Context) ([]Observation, error)

// Observe calls f.
func (f FuncSource) Observe(ctx context.Context) ([]Observation, error) {
	return f(ctx)
}

// StaticSource reports a fixed, replaceable set of neighbors.
type StaticSource struct {
	mu           sync.RWMutex
	observations []Observation
}

// NewStaticSource returns a source that reports observations on every cycle.
func NewStaticSource(observations ...Observation) *StaticSource {
	s := &StaticSource{}
	s.Set(observations...)
	return s
}

// Set replaces the reported neighbors.
func (s *StaticSource) Set(observations ...Observation) {
	s.mu.Lock()
	s.observations = append([]Observation(nil), observations...)
	s.mu.Unlock()
}

// Observe returns a copy of the configured neighbors.
func (s *StaticSource) Observe(context.Context) ([]Observation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Observation(nil), s.observations...), nil
}

// TrafficSource reports the neighbors heard on the medium since the previous cycle.
// Each neighbor is identified by the mesh address of the last hop that handed it
// a valid frame.
type TrafficSource struct {
	mu    sync.Mutex
	heard map[string]struct{}
}

// NewTrafficSource returns an empty traffic source.
func NewTrafficSource() *TrafficSource {
	return &TrafficSource{heard: make(map[string]struct{})}
}

// Heard records a frame forwarded by address.
func (s *TrafficSource) Heard(address string) {
	if address == "" {
		return
	}
	s.mu.Lock()
	s.heard[address] = struct{}{}
	s.mu.Unlock()
}

// Observe returns the neighbors heard since the last call and resets the window.
func (s *TrafficSource) Observe(context.Context) ([]Observation, error) {
	s.mu.Lock()
	heard := s.heard
	s.heard = make(map[string]struct{})
	s.mu.Unlock()

	out := make([]Observation, 0, len(heard))
	for address := range heard {
		out = append(out, Observation{ID: address, Name: address, Address: address, IsRelay: true})
	}
	return out, nil
}
