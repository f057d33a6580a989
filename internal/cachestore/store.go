// Package cachestore keeps named, versioned partitions of response snapshots
// in leveldb, with an LRU RAM tier in front.
//
// Key layout:
//
//	p:<partition>           partition marker
//	e:<partition>\x00<key>  gob Entry
//	m:<partition>\x00<key>  gob meta (size, last access)
package cachestore

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"offgrid/internal/ratelog"
)

const sep = "\x00"

type Options struct {
	// RAMMax and DiskMax bound the two tiers in bytes; 0 is unbounded.
	RAMMax  int64
	DiskMax int64

	OverflowLog *ratelog.Logger
}

type meta struct {
	Size       int64
	LastAccess int64
}

type Store struct {
	db          *leveldb.DB
	ram         *ramCache
	diskMax     int64
	overflowLog *ratelog.Logger

	mu    sync.Mutex
	index map[string]meta
	total int64
}

func Open(dir string, opts Options) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache store %s: %w", dir, err)
	}
	if opts.OverflowLog == nil {
		opts.OverflowLog = ratelog.New(time.Minute)
	}
	s := &Store{
		db:          db,
		ram:         newRAMCache(opts.RAMMax),
		diskMax:     opts.DiskMax,
		overflowLog: opts.OverflowLog,
		index:       map[string]meta{},
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]meta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var m meta
		if err := decodeGob(it.Value(), &m); err != nil {
			continue
		}
		idx[key] = m
		total += m.Size
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("load cache index: %w", err)
	}
	s.mu.Lock()
	s.index = idx
	s.total = total
	s.mu.Unlock()
	return nil
}

// Partition opens the named partition, creating it if needed.
func (s *Store) Partition(name string) (*Partition, error) {
	if name == "" || strings.Contains(name, sep) {
		return nil, fmt.Errorf("invalid partition name %q", name)
	}
	if err := s.db.Put([]byte("p:"+name), nil, nil); err != nil {
		return nil, fmt.Errorf("open partition %s: %w", name, err)
	}
	return &Partition{store: s, name: name}, nil
}

func (s *Store) Has(name string) bool {
	ok, err := s.db.Has([]byte("p:"+name), nil)
	return err == nil && ok
}

// Names lists existing partitions in name order.
func (s *Store) Names() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("p:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("p:"))))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	return out, nil
}

// Delete purges a partition with all of its entries. Deleting a partition
// that does not exist is not an error.
func (s *Store) Delete(name string) error {
	prefix := "e:" + name + sep
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	batch := new(leveldb.Batch)
	var keys []string
	for it.Next() {
		fk := strings.TrimPrefix(string(it.Key()), "e:")
		keys = append(keys, fk)
		batch.Delete([]byte("e:" + fk))
		batch.Delete([]byte("m:" + fk))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("delete partition %s: %w", name, err)
	}
	batch.Delete([]byte("p:" + name))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete partition %s: %w", name, err)
	}

	s.mu.Lock()
	for _, fk := range keys {
		if m, ok := s.index[fk]; ok {
			s.total -= m.Size
			delete(s.index, fk)
		}
	}
	s.mu.Unlock()
	s.ram.DeletePrefix(name + sep)
	return nil
}

// DeleteAll purges every partition, continuing past individual failures.
func (s *Store) DeleteAll() ([]string, error) {
	names, err := s.Names()
	if err != nil {
		return nil, err
	}
	var errs []error
	var deleted []string
	for _, n := range names {
		if err := s.Delete(n); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, n)
	}
	return deleted, errors.Join(errs...)
}

func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Store) RAMSize() int64 { return s.ram.TotalSize() }

func (s *Store) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// touch records an access and reports whether the key is on disk.
func (s *Store) touch(fk string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[fk]
	if !ok {
		return false
	}
	m.LastAccess = time.Now().Unix()
	s.index[fk] = m
	return true
}

func (s *Store) get(fk string) (Entry, bool) {
	if !s.touch(fk) {
		s.ram.Delete(fk)
		return Entry{}, false
	}
	if ent, ok := s.ram.Get(fk); ok {
		return ent, true
	}
	b, err := s.db.Get([]byte("e:"+fk), nil)
	if err != nil {
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false
	}
	s.ram.Put(fk, ent, int64(len(b)), s.overflowLog)
	return ent, true
}

func (s *Store) put(partition, fk string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	m := meta{Size: int64(len(b)), LastAccess: time.Now().Unix()}
	mb, err := encodeGob(m)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put([]byte("p:"+partition), nil)
	batch.Put([]byte("e:"+fk), b)
	batch.Put([]byte("m:"+fk), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}

	s.mu.Lock()
	if old, ok := s.index[fk]; ok {
		s.total -= old.Size
	}
	s.index[fk] = m
	s.total += m.Size
	over := s.diskMax > 0 && s.total > s.diskMax
	s.mu.Unlock()

	s.ram.Put(fk, ent, m.Size, s.overflowLog)
	if over {
		s.evictSome(fk)
	}
	return nil
}

func (s *Store) deleteKey(fk string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + fk))
	batch.Delete([]byte("m:" + fk))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	if m, ok := s.index[fk]; ok {
		s.total -= m.Size
		delete(s.index, fk)
	}
	s.mu.Unlock()
	s.ram.Delete(fk)
	return nil
}

// evictSome drops the least recently accessed 10% of disk entries, keeping
// the entry that was just written.
func (s *Store) evictSome(keep string) {
	type item struct {
		key string
		m   meta
	}
	s.mu.Lock()
	items := make([]item, 0, len(s.index))
	for k, m := range s.index {
		if k != keep {
			items = append(items, item{k, m})
		}
	}
	s.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n && i < len(items); i++ {
		_ = s.deleteKey(items[i].key)
	}
	s.overflowLog.Printf("cachestore: disk tier over %d bytes, evicted %d entries", s.diskMax, min(n, len(items)))
}

// Partition is a handle on one named partition. Writes recreate the
// partition if it was deleted in the meantime.
type Partition struct {
	store *Store
	name  string
}

func (p *Partition) Name() string { return p.name }

func (p *Partition) Get(key string) (Entry, bool) {
	return p.store.get(p.name + sep + key)
}

func (p *Partition) Put(key string, ent Entry) error {
	return p.store.put(p.name, p.name+sep+key, ent)
}

func (p *Partition) Delete(key string) error {
	return p.store.deleteKey(p.name + sep + key)
}

// Keys lists request keys in the partition, sorted.
func (p *Partition) Keys() []string {
	prefix := p.name + sep
	p.store.mu.Lock()
	out := make([]string, 0)
	for k := range p.store.index {
		if strings.HasPrefix(k, prefix) {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
	}
	p.store.mu.Unlock()
	sort.Strings(out)
	return out
}

func (p *Partition) Len() int { return len(p.Keys()) }
