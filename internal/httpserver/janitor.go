package httpserver

import (
	"context"
	"time"
)

// StartJanitor prunes stale uploads and expired links every interval
// until ctx is done.
func (s *Server) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = 10 * time.Minute
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.sweep()
			}
		}
	}()
}

func (s *Server) sweep() {
	if n := s.uploads.Prune(s.cfg.Upload.StaleAfter); n > 0 {
		s.log.Info("pruned stale uploads", "count", n)
	}
	n, err := s.links.Prune()
	if err != nil {
		s.log.Error("prune links", "err", err)
		return
	}
	if n > 0 {
		s.log.Info("pruned expired links", "count", n)
	}
}
