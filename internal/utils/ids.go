package utils

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// IDGenerator produces opaque unique identifiers
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator issues random v4 UUIDs
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.New().String()
}

// SequenceGenerator issues "<prefix>-1", "<prefix>-2", ... for deterministic tests
type SequenceGenerator struct {
	Prefix string

	mu   sync.Mutex
	next int
}

func NewSequenceGenerator(prefix string) *SequenceGenerator {
	return &SequenceGenerator{Prefix: prefix}
}

func (g *SequenceGenerator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("%s-%d", g.Prefix, g.next)
}
