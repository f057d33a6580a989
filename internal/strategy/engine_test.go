package strategy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offgrid/internal/cachestore"
	"offgrid/internal/config"
	"offgrid/internal/queue"
)

const origin = "https://app.example.com"

var errUnreachable = errors.New("dial tcp: connect: network is unreachable")

// fakeNetwork serves requests from handler until it is switched offline.
type fakeNetwork struct {
	mu      sync.Mutex
	offline bool
	handler http.Handler
	calls   []string
}

func (n *fakeNetwork) Do(req *http.Request) (*http.Response, error) {
	n.mu.Lock()
	off := n.offline
	n.calls = append(n.calls, req.Method+" "+req.URL.Path)
	n.mu.Unlock()
	if off {
		return nil, errUnreachable
	}
	rec := httptest.NewRecorder()
	n.handler.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (n *fakeNetwork) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]cachestore.Entry
}

func newMemCache() *memCache { return &memCache{entries: map[string]cachestore.Entry{}} }

func (c *memCache) Get(key string) (cachestore.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

func (c *memCache) Put(key string, ent cachestore.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = ent
	return nil
}

type fakeQueue struct {
	mu    sync.Mutex
	items []queue.Mutation
	err   error
}

func (q *fakeQueue) Enqueue(m queue.Mutation) (queue.Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return queue.Mutation{}, q.err
	}
	m.Seq = uint64(len(q.items) + 1)
	m.ID = "id-" + m.Method
	q.items = append(q.items, m)
	return m, nil
}

type fakeSync struct{ tags []string }

func (s *fakeSync) Register(tag string) { s.tags = append(s.tags, tag) }

type fixture struct {
	net     *fakeNetwork
	static  *memCache
	api     *memCache
	queue   *fakeQueue
	sync    *fakeSync
	events  chan RevalidateEvent
	engine  *Engine
	handler *http.ServeMux
}

func testRouter(t *testing.T) *Router {
	t.Helper()
	cfg, err := config.Parse([]byte("server: {origin: '"+origin+"'}"), "yaml")
	require.NoError(t, err)
	return NewRouter(cfg.Server.OriginURL, cfg.Routes)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		static:  newMemCache(),
		api:     newMemCache(),
		queue:   &fakeQueue{},
		sync:    &fakeSync{},
		events:  make(chan RevalidateEvent, 16),
		handler: http.NewServeMux(),
	}
	f.net = &fakeNetwork{handler: f.handler}
	f.engine = New(Options{
		Router:          testRouter(t),
		Static:          f.static,
		API:             f.api,
		Network:         f.net,
		Queue:           f.queue,
		Sync:            f.sync,
		SyncTag:         "sync-mutations",
		OfflineDocument: "/",
		OnRevalidate:    func(ev RevalidateEvent) { f.events <- ev },
	})
	return f
}

func (f *fixture) waitEvent(t *testing.T) RevalidateEvent {
	t.Helper()
	select {
	case ev := <-f.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no revalidation event")
		return RevalidateEvent{}
	}
}

func get(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, origin+path, nil)
	require.NoError(t, err)
	return req
}

func key(t *testing.T, path string) string {
	t.Helper()
	u, err := url.Parse(origin + path)
	require.NoError(t, err)
	return cachestore.Key(http.MethodGet, u)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	r := testRouter(t)
	tests := []struct {
		method string
		raw    string
		want   Route
	}{
		{"GET", "https://cdn.other.com/lib.js", RouteBypass},
		{"POST", "https://cdn.other.com/api/jobs", RouteBypass},
		{"POST", origin + "/api/jobs", RouteMutation},
		{"PUT", origin + "/api/jobs/123", RouteMutation},
		{"PATCH", origin + "/assets/whatever.js", RouteMutation},
		{"DELETE", origin + "/api/jobs/123", RouteBypass},
		{"HEAD", origin + "/", RouteBypass},
		{"GET", origin + "/api/jobs", RouteNetworkFirst},
		{"GET", origin + "/api/jobs?status=open", RouteNetworkFirst},
		{"GET", origin + "/api/jobs/123/checklist", RouteNetworkFirst},
		{"GET", origin + "/api/jobs/123", RouteNetwork},
		{"GET", origin + "/api/auth/me", RouteNetwork},
		{"GET", origin + "/api/config.json", RouteNetwork},
		{"GET", origin + "/assets/logo.svg", RouteCacheFirst},
		{"GET", origin + "/main.JS", RouteCacheFirst},
		{"GET", origin + "/icons/apple-touch", RouteCacheFirst},
		{"GET", origin + "/", RouteNavigate},
		{"GET", origin + "/jobs/123", RouteNavigate},
		{"GET", "/relative/page", RouteNavigate},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.raw)
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.Classify(tt.method, u), "%s %s", tt.method, tt.raw)
	}
}

func TestCacheFirstHitReturnsCachedAndRefreshes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.HandleFunc("/assets/app.css", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "fresh")
	})
	k := key(t, "/assets/app.css")
	require.NoError(t, f.static.Put(k, cachestore.NewEntry(200, nil, []byte("stale"))))

	res, err := f.engine.Handle(get(t, "/assets/app.css"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "stale", string(res.Entry.Body))

	ev := f.waitEvent(t)
	assert.True(t, ev.Refreshed)
	assert.Equal(t, k, ev.Key)
	got, _ := f.static.Get(k)
	assert.Equal(t, "fresh", string(got.Body))
}

func TestCacheFirstRevalidationOnlyRefreshesOn200(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.HandleFunc("/assets/app.js", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	k := key(t, "/assets/app.js")
	require.NoError(t, f.static.Put(k, cachestore.NewEntry(200, nil, []byte("v1"))))

	_, err := f.engine.Handle(get(t, "/assets/app.js"))
	require.NoError(t, err)
	ev := f.waitEvent(t)
	assert.False(t, ev.Refreshed)
	assert.Equal(t, http.StatusInternalServerError, ev.Status)

	f.net.setOffline(true)
	_, err = f.engine.Handle(get(t, "/assets/app.js"))
	require.NoError(t, err)
	ev = f.waitEvent(t)
	assert.False(t, ev.Refreshed)
	assert.ErrorIs(t, ev.Err, errUnreachable)

	got, _ := f.static.Get(k)
	assert.Equal(t, "v1", string(got.Body))
}

func TestCacheFirstMiss(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.HandleFunc("/assets/a.svg", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<svg/>")
	})
	f.handler.HandleFunc("/assets/missing.svg", http.NotFound)

	res, err := f.engine.Handle(get(t, "/assets/a.svg"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)
	_, ok := f.static.Get(key(t, "/assets/a.svg"))
	assert.True(t, ok, "200 is stored")

	res, err = f.engine.Handle(get(t, "/assets/missing.svg"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, res.Entry.Status)
	_, ok = f.static.Get(key(t, "/assets/missing.svg"))
	assert.False(t, ok, "non-200 passes through uncached")
}

func TestCacheFirstOfflineFallbacks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.net.setOffline(true)

	res, err := f.engine.Handle(get(t, "/jobs/123"))
	require.NoError(t, err)
	assert.Equal(t, SourceOffline, res.Source)
	assert.Equal(t, http.StatusServiceUnavailable, res.Entry.Status)

	require.NoError(t, f.static.Put(key(t, "/"), cachestore.NewEntry(200, http.Header{"Content-Type": {"text/html"}}, []byte("<html>app</html>"))))
	res, err = f.engine.Handle(get(t, "/jobs/123"))
	require.NoError(t, err)
	assert.Equal(t, SourceOfflineDocument, res.Source)
	assert.Equal(t, "<html>app</html>", string(res.Entry.Body))
}

func TestScenarioCachedAssetWhileOffline(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.HandleFunc("/assets/logo.svg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/svg+xml")
		io.WriteString(w, "<svg>logo</svg>")
	})

	_, err := f.engine.Handle(get(t, "/assets/logo.svg"))
	require.NoError(t, err)

	f.net.setOffline(true)
	res, err := f.engine.Handle(get(t, "/assets/logo.svg"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, "<svg>logo</svg>", string(res.Entry.Body))
	assert.Equal(t, "image/svg+xml", res.Entry.Header.Get("Content-Type"))
	f.waitEvent(t)
}

func TestNetworkFirst(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	version := "1"
	f.handler.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[{"id":123,"v":`+version+`}]`)
	})

	res, err := f.engine.Handle(get(t, "/api/jobs"))
	require.NoError(t, err)
	assert.Equal(t, SourceNetwork, res.Source)

	version = "2"
	_, err = f.engine.Handle(get(t, "/api/jobs"))
	require.NoError(t, err)

	f.net.setOffline(true)
	res, err = f.engine.Handle(get(t, "/api/jobs"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	assert.Equal(t, http.StatusOK, res.Entry.Status)
	assert.Equal(t, `[{"id":123,"v":2}]`, string(res.Entry.Body), "most recent successful response")

	res, err = f.engine.Handle(get(t, "/api/jobs?page=2"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Entry.Status)
	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Entry.Body, &body))
	assert.Equal(t, true, body["offline"])
	assert.NotEmpty(t, body["error"])
	assert.Equal(t, "application/json", res.Entry.Header.Get("Content-Type"))
}

func TestNetworkFirstServerErrorIsNotCached(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.HandleFunc("/api/customers", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})
	res, err := f.engine.Handle(get(t, "/api/customers"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, res.Entry.Status)
	assert.Equal(t, SourceNetwork, res.Source)
	_, ok := f.api.Get(key(t, "/api/customers"))
	assert.False(t, ok)
}

func TestUncachedAPIGoesToNetwork(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.HandleFunc("/api/jobs/7", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":7}`)
	})
	res, err := f.engine.Handle(get(t, "/api/jobs/7"))
	require.NoError(t, err)
	assert.Equal(t, RouteNetwork, res.Route)
	assert.Empty(t, f.api.entries)

	f.net.setOffline(true)
	_, err = f.engine.Handle(get(t, "/api/jobs/7"))
	assert.ErrorIs(t, err, errUnreachable)
}

func TestMutationOnlinePassesThrough(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.handler.HandleFunc("/api/jobs/123", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"status":"done"}`, string(b))
		w.WriteHeader(http.StatusConflict)
	})
	req, err := http.NewRequest(http.MethodPut, origin+"/api/jobs/123", strings.NewReader(`{"status":"done"}`))
	require.NoError(t, err)

	res, err := f.engine.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, res.Entry.Status)
	assert.Empty(t, f.queue.items)
	assert.Empty(t, f.sync.tags)
}

func TestMutationOfflineIsQueued(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.net.setOffline(true)
	req, err := http.NewRequest(http.MethodPut, origin+"/api/jobs/123", strings.NewReader(`{"status":"done"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Accept", "text/plain")

	res, err := f.engine.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, SourceQueued, res.Source)
	assert.Equal(t, http.StatusAccepted, res.Entry.Status)

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Entry.Body, &body))
	assert.Equal(t, true, body["queued"])
	assert.Equal(t, "id-PUT", body["id"])

	require.Len(t, f.queue.items, 1)
	m := f.queue.items[0]
	assert.Equal(t, origin+"/api/jobs/123", m.URL)
	assert.Equal(t, http.MethodPut, m.Method)
	assert.Equal(t, `{"status":"done"}`, m.Body)
	assert.Equal(t, "application/json", m.Headers["Content-Type"])
	assert.Equal(t, "application/json, text/plain", m.Headers["Accept"])
	assert.Equal(t, []string{"sync-mutations"}, f.sync.tags)
}

func TestMutationPersistenceFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.net.setOffline(true)
	f.queue.err = errors.New("disk full")

	req, err := http.NewRequest(http.MethodPost, origin+"/api/quotes", strings.NewReader(`{}`))
	require.NoError(t, err)
	res, err := f.engine.Handle(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, res.Entry.Status)

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Entry.Body, &body))
	assert.Equal(t, false, body["queued"])
	assert.Equal(t, true, body["offline"])
	assert.Empty(t, f.sync.tags)
}

func TestRevalidationDroppedWhenSaturated(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	handler := http.NewServeMux()
	handler.HandleFunc("/assets/", func(w http.ResponseWriter, r *http.Request) {
		<-release
		io.WriteString(w, "new")
	})
	static := newMemCache()
	events := make(chan RevalidateEvent, 4)
	e := New(Options{
		Router:        testRouter(t),
		Static:        static,
		API:           newMemCache(),
		Network:       &fakeNetwork{handler: handler},
		MaxBackground: 1,
		OnRevalidate:  func(ev RevalidateEvent) { events <- ev },
	})
	require.NoError(t, static.Put(key(t, "/assets/a.js"), cachestore.NewEntry(200, nil, []byte("old"))))
	require.NoError(t, static.Put(key(t, "/assets/b.js"), cachestore.NewEntry(200, nil, []byte("old"))))

	_, err := e.Handle(get(t, "/assets/a.js"))
	require.NoError(t, err)
	_, err = e.Handle(get(t, "/assets/b.js"))
	require.NoError(t, err)

	ev := <-events
	assert.True(t, ev.Dropped)
	assert.Equal(t, key(t, "/assets/b.js"), ev.Key)

	close(release)
	e.Wait()
	ev = <-events
	assert.True(t, ev.Refreshed)
}

func TestOfflineDocumentKeepsQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	e := New(Options{
		Router:          testRouter(t),
		Static:          f.static,
		API:             f.api,
		Network:         f.net,
		OfflineDocument: "/offline.html?lang=en",
	})
	require.NoError(t, f.static.Put(key(t, "/offline.html?lang=en"), cachestore.NewEntry(http.StatusOK, nil, []byte("offline"))))
	f.net.setOffline(true)

	res, err := e.Handle(get(t, "/reports"))
	require.NoError(t, err)
	assert.Equal(t, SourceOfflineDocument, res.Source)
	assert.Equal(t, "offline", string(res.Entry.Body))
}

func TestCloseStopsRevalidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.static.Put(key(t, "/assets/app.css"), cachestore.NewEntry(http.StatusOK, nil, []byte("body{}"))))

	f.engine.Close()
	res, err := f.engine.Handle(get(t, "/assets/app.css"))
	require.NoError(t, err)
	assert.Equal(t, SourceCache, res.Source)
	f.engine.Wait()

	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	assert.Empty(t, f.net.calls)
	assert.Empty(t, f.events)
}
