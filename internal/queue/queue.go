// Package queue persists mutating requests that could not reach the origin
// and replays them, in enqueue order, once connectivity returns.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var ErrNotFound = errors.New("queue: mutation not found")

const recPrefix = "q:"

// Mutation is one queued request. Seq is the primary key and the replay
// order; EnqueuedAt is informational only.
type Mutation struct {
	Seq        uint64            `json:"seq"`
	ID         string            `json:"id"`
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	EnqueuedAt int64             `json:"enqueuedAt"` // unix milliseconds
}

type Queue struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq uint64
	now func() time.Time
}

func Open(dir string) (*Queue, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", dir, err)
	}
	q := &Queue{db: db, now: time.Now}
	if err := q.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) loadSeq() error {
	it := q.db.NewIterator(util.BytesPrefix([]byte(recPrefix)), nil)
	defer it.Release()
	if it.Last() {
		seq, err := parseKey(it.Key())
		if err != nil {
			return err
		}
		q.seq = seq
	}
	return it.Error()
}

func recKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", recPrefix, seq))
}

func parseKey(k []byte) (uint64, error) {
	seq, err := strconv.ParseUint(strings.TrimPrefix(string(k), recPrefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("queue: bad key %q: %w", k, err)
	}
	return seq, nil
}

// Enqueue assigns the next sequence number (plus an ID and timestamp when
// missing) and persists m with a synced write.
func (q *Queue) Enqueue(m Mutation) (Mutation, error) {
	if m.URL == "" || m.Method == "" {
		return Mutation{}, fmt.Errorf("queue: mutation needs url and method")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	m.Seq = q.seq + 1
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.EnqueuedAt == 0 {
		m.EnqueuedAt = q.now().UnixMilli()
	}
	b, err := json.Marshal(m)
	if err != nil {
		return Mutation{}, fmt.Errorf("encode mutation: %w", err)
	}
	if err := q.db.Put(recKey(m.Seq), b, &opt.WriteOptions{Sync: true}); err != nil {
		return Mutation{}, fmt.Errorf("persist mutation: %w", err)
	}
	q.seq = m.Seq
	return m, nil
}

// List returns every queued mutation in enqueue order. Undecodable records
// are logged and skipped.
func (q *Queue) List() ([]Mutation, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(recPrefix)), nil)
	defer it.Release()

	var out []Mutation
	for it.Next() {
		var m Mutation
		if err := json.Unmarshal(it.Value(), &m); err != nil {
			log.Printf("queue: skipping corrupt record %q: %v", it.Key(), err)
			continue
		}
		seq, err := parseKey(it.Key())
		if err != nil {
			log.Printf("queue: skipping record: %v", err)
			continue
		}
		m.Seq = seq
		out = append(out, m)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	return out, nil
}

func (q *Queue) Get(seq uint64) (Mutation, error) {
	b, err := q.db.Get(recKey(seq), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Mutation{}, ErrNotFound
	}
	if err != nil {
		return Mutation{}, fmt.Errorf("get mutation %d: %w", seq, err)
	}
	var m Mutation
	if err := json.Unmarshal(b, &m); err != nil {
		return Mutation{}, fmt.Errorf("decode mutation %d: %w", seq, err)
	}
	m.Seq = seq
	return m, nil
}

func (q *Queue) Delete(seq uint64) error {
	ok, err := q.db.Has(recKey(seq), nil)
	if err != nil {
		return fmt.Errorf("delete mutation %d: %w", seq, err)
	}
	if !ok {
		return ErrNotFound
	}
	if err := q.db.Delete(recKey(seq), &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("delete mutation %d: %w", seq, err)
	}
	return nil
}

func (q *Queue) Len() (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(recPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Content-Length":      true,
	"Keep-Alive":          true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// FlattenHeader joins multi-valued headers with ", " and drops hop-by-hop
// headers, which are meaningless on replay.
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || len(vs) == 0 {
			continue
		}
		out[ck] = strings.Join(vs, ", ")
	}
	return out
}
