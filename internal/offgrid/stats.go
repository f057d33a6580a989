package offgrid

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
	revalidated    atomic.Uint64

	mu       sync.Mutex
	bySource map[string]uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{bySource: map[string]uint64{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveSource(source string) {
	s.mu.Lock()
	s.bySource[source]++
	s.mu.Unlock()
}

func (s *statsCollector) Revalidated() { s.revalidated.Add(1) }

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
	Revalidated    uint64
	BySource       map[string]uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	by := make(map[string]uint64, len(s.bySource))
	for k, v := range s.bySource {
		by[k] = v
	}
	s.mu.Unlock()

	ss := statsSnapshot{BySource: by, Revalidated: s.revalidated.Load()}
	count := s.totalResponses.Load()
	if count == 0 {
		return ss
	}
	ss.TotalResponses = count
	ss.TotalRespBytes = s.totalRespBytes.Load()
	ss.MinRespBytes = s.minRespBytes.Load()
	if ss.MinRespBytes == math.MaxUint64 {
		ss.MinRespBytes = 0
	}
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = ss.TotalRespBytes / count
	return ss
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	names, err := s.caches.Names()
	if err != nil {
		log.Printf("stats: list partitions: %v", err)
	}
	depth, err := s.queue.Len()
	if err != nil {
		log.Printf("stats: queue depth: %v", err)
	}
	rss := "n/a"
	if b, ok := processRSSBytes(); ok {
		rss = formatBytes(b)
	}
	log.Printf(
		"Caches: %d partitions, Keys: %d, RAM usage: %s, Disk usage: %s, Queue: %d, Revalidated: %d, Sources: %s, Resp min/avg/max %s/%s/%s, RSS: %s",
		len(names),
		s.caches.KeyCount(),
		formatBytes(uint64(s.caches.RAMSize())),
		formatBytes(uint64(s.caches.TotalSize())),
		depth,
		ss.Revalidated,
		formatCounts(ss.BySource),
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
		rss,
	)
}

func formatCounts(m map[string]uint64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
