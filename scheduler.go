package acceptor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// scheduler triggers the registered callback at a fixed interval. The
// callback is responsible for skipping suites that are still running.
type scheduler struct {
	log      *zap.SugaredLogger
	interval time.Duration

	mu       sync.Mutex
	callback func()

	done chan struct{}
	wg   sync.WaitGroup
}

func newScheduler(interval time.Duration, log *zap.SugaredLogger) *scheduler {
	return &scheduler{
		log:      log,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (s *scheduler) registerCallback(fn func()) {
	s.mu.Lock()
	s.callback = fn
	s.mu.Unlock()
}

func (s *scheduler) start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		s.log.Infow("scheduler started", "interval", s.interval)
		for {
			select {
			case <-ticker.C:
				s.runCallback()
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *scheduler) runCallback() {
	s.mu.Lock()
	fn := s.callback
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *scheduler) stop() {
	close(s.done)
	s.wg.Wait()
	s.log.Infow("scheduler stopped")
}
