package queue

import (
	"context"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Probe reports whether the origin is reachable.
type Probe func(ctx context.Context) bool

// HTTPProbe treats any HTTP response from url, whatever its status, as online.
func HTTPProbe(client Doer, url string, timeout time.Duration) Probe {
	return func(ctx context.Context) bool {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return true
	}
}

// Syncer holds one-shot named sync registrations and fires them once the
// probe says the origin is back.
type Syncer struct {
	every  time.Duration
	probe  Probe
	onSync func(ctx context.Context, tag string) error

	mu      sync.Mutex
	pending map[string]struct{}
	kick    chan struct{}
}

func NewSyncer(every time.Duration, probe Probe, onSync func(ctx context.Context, tag string) error) *Syncer {
	return &Syncer{
		every:   every,
		probe:   probe,
		onSync:  onSync,
		pending: map[string]struct{}{},
		kick:    make(chan struct{}, 1),
	}
}

// Register records interest in tag. Registering a pending tag again is a
// no-op.
func (s *Syncer) Register(tag string) {
	s.mu.Lock()
	s.pending[tag] = struct{}{}
	s.mu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Syncer) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for t := range s.pending {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Tick fires every pending tag if the origin is reachable and returns how
// many fired. A tag whose handler fails is registered again.
func (s *Syncer) Tick(ctx context.Context) int {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return 0
	}
	s.mu.Unlock()

	if s.probe != nil && !s.probe(ctx) {
		return 0
	}

	s.mu.Lock()
	tags := make([]string, 0, len(s.pending))
	for t := range s.pending {
		tags = append(tags, t)
	}
	s.pending = map[string]struct{}{}
	s.mu.Unlock()
	sort.Strings(tags)

	for _, tag := range tags {
		if err := s.onSync(ctx, tag); err != nil {
			log.Printf("sync: %s: %v, will retry", tag, err)
			s.mu.Lock()
			s.pending[tag] = struct{}{}
			s.mu.Unlock()
		}
	}
	return len(tags)
}

// Run waits for registrations and probes every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	var tick <-chan time.Time
	if s.every > 0 {
		t := time.NewTicker(s.every)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
		case <-s.kick:
		}
		s.Tick(ctx)
	}
}
