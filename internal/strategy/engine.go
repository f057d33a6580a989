// Package strategy decides, per request, whether to answer from a cache
// partition, the network, or the offline queue.
package strategy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"offgrid/internal/cachestore"
	"offgrid/internal/queue"
)

type Source string

const (
	SourceCache           Source = "cache"
	SourceNetwork         Source = "network"
	SourceOfflineDocument Source = "offline-document"
	SourceOffline         Source = "offline"
	SourceQueued          Source = "queued"
	SourceBypass          Source = "bypass"
)

type Result struct {
	Entry  cachestore.Entry
	Source Source
	Route  Route
}

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Cache is what the engine needs from a partition.
type Cache interface {
	Get(key string) (cachestore.Entry, bool)
	Put(key string, ent cachestore.Entry) error
}

type Enqueuer interface {
	Enqueue(m queue.Mutation) (queue.Mutation, error)
}

type SyncRegistrar interface {
	Register(tag string)
}

// RevalidateEvent reports the outcome of one background refresh.
type RevalidateEvent struct {
	Key       string
	Status    int
	Refreshed bool
	// Dropped is set when the background pool was saturated and no fetch
	// was attempted.
	Dropped bool
	Err     error
}

type Options struct {
	Router  *Router
	Static  Cache
	API     Cache
	Network Doer
	Queue   Enqueuer
	Sync    SyncRegistrar
	SyncTag string

	// OfflineDocument is the path served when a cache-first route has
	// neither a cached copy nor the network.
	OfflineDocument   string
	RevalidateTimeout time.Duration
	MaxBackground     int

	OnRevalidate func(RevalidateEvent)
}

type Engine struct {
	opts       Options
	offlineKey string

	bgSem chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func New(opts Options) *Engine {
	if opts.MaxBackground <= 0 {
		opts.MaxBackground = 32
	}
	if opts.RevalidateTimeout <= 0 {
		opts.RevalidateTimeout = 30 * time.Second
	}
	e := &Engine{
		opts:  opts,
		bgSem: make(chan struct{}, opts.MaxBackground),
	}
	if opts.OfflineDocument != "" {
		if ref, err := url.Parse(opts.OfflineDocument); err != nil {
			log.Printf("strategy: offline document %q: %v", opts.OfflineDocument, err)
		} else {
			e.offlineKey = cachestore.Key(http.MethodGet, opts.Router.Origin().ResolveReference(ref))
		}
	}
	return e
}

// Wait blocks until background revalidations have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops new background revalidations and waits for running ones.
// Requests are still answered afterwards, without a refresh.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}

// Handle answers req, which must carry an absolute URL. An error is
// returned only for requests that are not intercepted (or whose body
// cannot be read) when the network fails.
func (e *Engine) Handle(req *http.Request) (Result, error) {
	route := e.opts.Router.Classify(req.Method, req.URL)
	switch route {
	case RouteMutation:
		return e.mutation(req)
	case RouteNetworkFirst:
		return e.networkFirst(req), nil
	case RouteCacheFirst, RouteNavigate:
		return e.cacheFirst(req, route), nil
	default:
		return e.passthrough(req, route)
	}
}

func (e *Engine) passthrough(req *http.Request, route Route) (Result, error) {
	out := req.Clone(req.Context())
	out.RequestURI = ""
	ent, err := e.do(out)
	if err != nil {
		return Result{Route: route}, err
	}
	src := SourceNetwork
	if route == RouteBypass {
		src = SourceBypass
	}
	return Result{Entry: ent, Source: src, Route: route}, nil
}

func (e *Engine) cacheFirst(req *http.Request, route Route) Result {
	key := cachestore.Key(http.MethodGet, req.URL)
	if ent, ok := e.opts.Static.Get(key); ok {
		e.revalidateAsync(req, key)
		return Result{Entry: ent, Source: SourceCache, Route: route}
	}

	ent, err := e.fetch(req.Context(), req, nil)
	if err == nil {
		if ent.Status == http.StatusOK {
			if err := e.opts.Static.Put(key, ent); err != nil {
				log.Printf("strategy: store %s: %v", key, err)
			}
		}
		return Result{Entry: ent, Source: SourceNetwork, Route: route}
	}

	if e.offlineKey != "" {
		if doc, ok := e.opts.Static.Get(e.offlineKey); ok {
			return Result{Entry: doc, Source: SourceOfflineDocument, Route: route}
		}
	}
	return Result{Entry: offlineText(), Source: SourceOffline, Route: route}
}

func (e *Engine) networkFirst(req *http.Request) Result {
	key := cachestore.Key(http.MethodGet, req.URL)
	ent, err := e.fetch(req.Context(), req, nil)
	if err == nil {
		if ent.Status == http.StatusOK {
			if err := e.opts.API.Put(key, ent); err != nil {
				log.Printf("strategy: store %s: %v", key, err)
			}
		}
		return Result{Entry: ent, Source: SourceNetwork, Route: RouteNetworkFirst}
	}
	if cached, ok := e.opts.API.Get(key); ok {
		return Result{Entry: cached, Source: SourceCache, Route: RouteNetworkFirst}
	}
	return Result{Entry: offlineJSON("Offline - cached data not available", nil), Source: SourceOffline, Route: RouteNetworkFirst}
}

func (e *Engine) mutation(req *http.Request) (Result, error) {
	body, err := readBody(req)
	if err != nil {
		return Result{Route: RouteMutation}, fmt.Errorf("read request body: %w", err)
	}

	ent, err := e.fetch(req.Context(), req, body)
	if err == nil {
		return Result{Entry: ent, Source: SourceNetwork, Route: RouteMutation}, nil
	}

	if e.opts.Queue == nil {
		log.Printf("queue: no queue configured, dropping %s %s", req.Method, req.URL)
		return Result{Entry: offlineJSON("Offline - request could not be queued", ptr(false)), Source: SourceOffline, Route: RouteMutation}, nil
	}
	m, qerr := e.opts.Queue.Enqueue(queue.Mutation{
		URL:     req.URL.String(),
		Method:  req.Method,
		Headers: queue.FlattenHeader(req.Header),
		Body:    string(body),
	})
	if qerr != nil {
		log.Printf("queue: could not persist %s %s: %v", req.Method, req.URL, qerr)
		return Result{Entry: offlineJSON("Offline - request could not be queued", ptr(false)), Source: SourceOffline, Route: RouteMutation}, nil
	}
	log.Printf("queue: offline, queued #%d %s %s", m.Seq, m.Method, m.URL)

	if e.opts.Sync != nil {
		e.opts.Sync.Register(e.opts.SyncTag)
	}
	return Result{Entry: queuedJSON(m.ID), Source: SourceQueued, Route: RouteMutation}, nil
}

func (e *Engine) revalidateAsync(req *http.Request, key string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	select {
	case e.bgSem <- struct{}{}:
	default:
		e.wg.Done()
		e.report(RevalidateEvent{Key: key, Dropped: true})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.RevalidateTimeout)
	bg := req.Clone(ctx)

	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		defer cancel()
		e.revalidateOnce(ctx, bg, key)
	}()
}

func (e *Engine) revalidateOnce(ctx context.Context, req *http.Request, key string) {
	ev := RevalidateEvent{Key: key}
	ent, err := e.fetch(ctx, req, nil)
	switch {
	case err != nil:
		ev.Err = err
	case ent.Status != http.StatusOK:
		ev.Status = ent.Status
	default:
		ev.Status = ent.Status
		if err := e.opts.Static.Put(key, ent); err != nil {
			ev.Err = err
		} else {
			ev.Refreshed = true
		}
	}
	e.report(ev)
}

func (e *Engine) report(ev RevalidateEvent) {
	if e.opts.OnRevalidate != nil {
		e.opts.OnRevalidate(ev)
	}
}

// fetch sends a copy of req carrying body and snapshots the response. Errors
// are network-level only; any HTTP status is a valid response.
func (e *Engine) fetch(ctx context.Context, req *http.Request, body []byte) (cachestore.Entry, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	if len(body) == 0 {
		out.Body = http.NoBody
		out.ContentLength = 0
		out.GetBody = nil
	} else {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	return e.do(out)
}

func (e *Engine) do(req *http.Request) (cachestore.Entry, error) {
	resp, err := e.opts.Network.Do(req)
	if err != nil {
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	return cachestore.NewEntry(resp.StatusCode, resp.Header, b), nil
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return []byte{}, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

func ptr[T any](v T) *T { return &v }
