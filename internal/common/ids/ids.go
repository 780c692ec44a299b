// Package ids provides id generation for tasks, sessions and agents.
package ids

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator produces opaque unique ids.
type Generator interface {
	NewID() string
}

// UUIDGenerator produces random UUIDv4 ids.
type UUIDGenerator struct{}

// NewID returns a new random id.
func (UUIDGenerator) NewID() string {
	return uuid.New().String()
}

// SeededGenerator produces deterministic ids from a seed, for tests.
// Ids take the form "<seed>-<n>" with n starting at 1.
type SeededGenerator struct {
	mu   sync.Mutex
	seed string
	n    int
}

// NewSeededGenerator creates a deterministic generator for the given seed.
func NewSeededGenerator(seed string) *SeededGenerator {
	return &SeededGenerator{seed: seed}
}

// NewID returns the next deterministic id.
func (g *SeededGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.seed, g.n)
}

// NewGenerator returns a seeded generator when seed is non-empty, otherwise
// a random UUID generator.
func NewGenerator(seed string) Generator {
	if seed != "" {
		return NewSeededGenerator(seed)
	}
	return UUIDGenerator{}
}

// AgentNameGenerator allocates human-readable agent ids of the form
// "<prefix>-<counter>", with an independent counter per prefix.
// Ids are never recycled for the lifetime of the generator.
type AgentNameGenerator struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewAgentNameGenerator creates an empty name generator.
func NewAgentNameGenerator() *AgentNameGenerator {
	return &AgentNameGenerator{counters: make(map[string]int)}
}

// Next allocates the next id for the given prefix.
func (g *AgentNameGenerator) Next(prefix string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[prefix]++
	return fmt.Sprintf("%s-%d", prefix, g.counters[prefix])
}

// Reset clears all counters. Test hook only; resetting a generator that is
// still feeding a live pool would violate id uniqueness.
func (g *AgentNameGenerator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters = make(map[string]int)
}
