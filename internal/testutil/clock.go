package testutil

import (
	"context"
	"sync"
	"time"
)

// StubSleeper records requested sleeps without waiting. It still honors a
// cancelled context.
type StubSleeper struct {
	mu    sync.Mutex
	Slept []time.Duration
}

func (s *StubSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Slept = append(s.Slept, d)
	return nil
}

// Count returns how many sleeps were requested.
func (s *StubSleeper) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Slept)
}
