package rabbitmqtest

import (
	"context"
	"sync"
	"time"
)

// Sleeper records requested waits and returns immediately
type Sleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep satisfies reliability.Sleeper
func (s *Sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Delays returns the recorded waits in order
func (s *Sleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
