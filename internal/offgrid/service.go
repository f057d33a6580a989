// Package offgrid wires the cache store, strategy engine, mutation queue,
// lifecycle controller and push gateway into one service in front of an
// origin.
package offgrid

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"offgrid/internal/cachestore"
	"offgrid/internal/clients"
	"offgrid/internal/config"
	"offgrid/internal/lifecycle"
	"offgrid/internal/push"
	"offgrid/internal/queue"
	"offgrid/internal/ratelog"
	"offgrid/internal/strategy"
)

const headerSource = "X-Offgrid"

type Service struct {
	cfg config.Config

	httpClient *http.Client

	caches   *cachestore.Store
	registry *cachestore.Registry
	queue    *queue.Queue

	router    *strategy.Router
	engine    *strategy.Engine
	replayer  *queue.Replayer
	syncer    *queue.Syncer
	hub       *clients.Hub
	push      *push.Gateway
	lifecycle *lifecycle.Controller

	stopCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error

	// streams ends every open event stream when cancelled.
	streams      context.Context
	closeStreams context.CancelFunc

	overflowLog *ratelog.Logger

	stats *statsCollector
}

type Option func(*Service)

// WithHTTPClient replaces the client used to reach the origin. A client
// without a CheckRedirect policy is copied and given one that returns
// redirects to the caller.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.httpClient = c }
}

// NewOriginClient returns a client that hands 3xx responses back unchanged
// instead of following them, so a redirect is proxied and never cached under
// the URL that asked for it.
func NewOriginClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, CheckRedirect: keepRedirect}
}

func keepRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func NewService(cfg config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:         cfg,
		httpClient:  NewOriginClient(30 * time.Second),
		stopCh:      make(chan struct{}),
		overflowLog: ratelog.New(time.Minute),
		stats:       newStatsCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.httpClient.CheckRedirect == nil {
		c := *s.httpClient
		c.CheckRedirect = keepRedirect
		s.httpClient = &c
	}
	s.streams, s.closeStreams = context.WithCancel(context.Background())

	caches, err := cachestore.Open(filepath.Join(cfg.Storage.Dir, "caches"), cachestore.Options{
		RAMMax:      cfg.Storage.RAMMaxBytes,
		DiskMax:     cfg.Storage.DiskMaxBytes,
		OverflowLog: s.overflowLog,
	})
	if err != nil {
		return nil, err
	}
	q, err := queue.Open(filepath.Join(cfg.Storage.Dir, "queue"))
	if err != nil {
		_ = caches.Close()
		return nil, err
	}
	s.caches, s.queue = caches, q
	s.registry = cachestore.NewRegistry(cfg.Cache.Namespace, cfg.Cache.Version)

	static, err := caches.Partition(s.registry.Name(cachestore.KindStatic))
	if err != nil {
		s.closeStores()
		return nil, err
	}
	api, err := caches.Partition(s.registry.Name(cachestore.KindAPI))
	if err != nil {
		s.closeStores()
		return nil, err
	}

	origin := cfg.Server.OriginURL
	s.hub = clients.NewHub(32)
	s.router = strategy.NewRouter(origin, cfg.Routes)
	s.replayer = queue.NewReplayer(q, s.httpClient, s.hub)
	probeRef, err := url.Parse(cfg.Sync.ProbePath)
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("sync probe path: %w", err)
	}
	probeURL := origin.ResolveReference(probeRef).String()
	s.syncer = queue.NewSyncer(cfg.Sync.ProbeEveryDur, queue.HTTPProbe(s.httpClient, probeURL, 5*time.Second), s.onSync)
	s.engine = strategy.New(strategy.Options{
		Router:            s.router,
		Static:            static,
		API:               api,
		Network:           s.httpClient,
		Queue:             q,
		Sync:              s.syncer,
		SyncTag:           cfg.Sync.Tag,
		OfflineDocument:   cfg.Cache.OfflineDocument,
		RevalidateTimeout: cfg.Cache.RevalidateTimeoutDur,
		MaxBackground:     cfg.Cache.MaxBackground,
		OnRevalidate:      s.onRevalidate,
	})
	s.push = push.NewGateway(cfg.Push, origin, s.hub)
	s.lifecycle = lifecycle.New(lifecycle.Options{
		Store:        caches,
		Registry:     s.registry,
		Network:      s.httpClient,
		Origin:       origin,
		Precache:     cfg.Cache.Precache,
		Sitemaps:     cfg.Install.Sitemaps,
		Precacheable: s.precacheable,
		Concurrency:  cfg.Install.Concurrency,
		SkipWaiting:  cfg.Cache.SkipWaiting,
		Queue:        s.replayer,
		Clients:      s.hub,
	})

	installCtx := context.Background()
	if cfg.Install.TimeoutDur > 0 {
		var cancel context.CancelFunc
		installCtx, cancel = context.WithTimeout(installCtx, cfg.Install.TimeoutDur)
		defer cancel()
	}
	if _, err := s.lifecycle.Install(installCtx); err != nil {
		s.closeStores()
		return nil, err
	}

	// Mutations left over from a previous run get their sync back.
	if n, err := q.Len(); err == nil && n > 0 {
		log.Printf("sync: %d queued mutations from a previous run", n)
		s.syncer.Register(cfg.Sync.Tag)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncer.Run(ctx)
	}()

	if cfg.Logging.StatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.StatsEveryDur)
		}()
	}

	return s, nil
}

// Close stops the background loops and closes both stores. It is safe to
// call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.closeStreams()
		close(s.stopCh)
		s.cancel()
		s.wg.Wait()
		s.engine.Close()
		s.lifecycle.Close()
		s.closeErr = s.closeStores()
	})
	return s.closeErr
}

// CloseStreams ends open event streams so that an http.Server can drain.
func (s *Service) CloseStreams() {
	s.closeStreams()
}

func (s *Service) closeStores() error {
	return errors.Join(s.queue.Close(), s.caches.Close())
}

func (s *Service) Lifecycle() *lifecycle.Controller { return s.lifecycle }

func (s *Service) Hub() *clients.Hub { return s.hub }

// SyncNow fires pending sync registrations if the origin is reachable.
func (s *Service) SyncNow(ctx context.Context) int {
	return s.syncer.Tick(ctx)
}

func (s *Service) onSync(ctx context.Context, _ string) error {
	rep, err := s.replayer.Replay(ctx)
	if err != nil {
		return err
	}
	if rep.NetworkErrors > 0 {
		return fmt.Errorf("%d mutations could not reach the origin", rep.NetworkErrors)
	}
	return nil
}

func (s *Service) onRevalidate(ev strategy.RevalidateEvent) {
	switch {
	case ev.Dropped:
		s.overflowLog.Printf("revalidate: background pool full, skipped %s", ev.Key)
	case ev.Err != nil && !errors.Is(ev.Err, context.Canceled):
		s.overflowLog.Printf("revalidate: %s: %v", ev.Key, ev.Err)
	}
	if ev.Refreshed {
		s.stats.Revalidated()
	}
}

func (s *Service) precacheable(p string) bool {
	switch s.router.Classify(http.MethodGet, s.cfg.Server.OriginURL.ResolveReference(&url.URL{Path: p})) {
	case strategy.RouteCacheFirst, strategy.RouteNavigate:
		return true
	}
	return false
}

func (s *Service) Handler() http.Handler {
	r := mux.NewRouter().SkipClean(true)

	ctl := r.PathPrefix(s.cfg.Server.ControlPrefix).Subrouter()
	ctl.HandleFunc("/messages", s.handleMessage).Methods(http.MethodPost)
	ctl.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	ctl.HandleFunc("/push", s.handlePush).Methods(http.MethodPost)
	ctl.HandleFunc("/notifications", s.handleNotifications).Methods(http.MethodGet)
	ctl.HandleFunc("/notifications/click", s.handleClick).Methods(http.MethodPost)
	ctl.HandleFunc("/queue", s.handleQueue).Methods(http.MethodGet)

	r.PathPrefix("/").HandlerFunc(s.handle)
	return r
}

// handle proxies one request toward the origin through the engine.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	req.ContentLength = r.ContentLength

	res, err := s.engine.Handle(req)
	if err != nil {
		log.Printf("proxy: %s %s: %v", r.Method, r.URL.RequestURI(), err)
		s.stats.ObserveSource("bad-gateway")
		setSourceHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	s.writeEntryWithStats(w, res.Entry, string(res.Source))
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent cachestore.Entry, source string) {
	writeEntry(w, ent, source)
	s.stats.ObserveSource(source)
	s.stats.Observe(len(ent.Body))
}

func writeEntry(w http.ResponseWriter, ent cachestore.Entry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerSource) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), source)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(headerSource, source)
	}
	ensureExposedHeader(h, headerSource)
}

// ensureExposedHeader lets browser code read name on cross-origin responses.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
