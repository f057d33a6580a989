// Package ratelog drops repeated log lines that arrive faster than an interval.
package ratelog

import (
	"log"
	"sync"
	"time"
)

// Logger prints at most one line per interval; the rest are counted and
// reported with the next line that gets through.
type Logger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int

	now    func() time.Time
	printf func(format string, args ...any)
}

func New(interval time.Duration) *Logger {
	return &Logger{interval: interval, now: time.Now, printf: log.Printf}
}

func (l *Logger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	if l.dropped > 0 {
		format += " (%d similar suppressed)"
		args = append(args, l.dropped)
		l.dropped = 0
	}
	l.printf(format, args...)
}
