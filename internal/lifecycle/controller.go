// Package lifecycle installs and activates cache generations and answers
// control messages from clients.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"offgrid/internal/cachestore"
	"offgrid/internal/clients"
	"offgrid/internal/queue"
)

const (
	MessageSkipWaiting    = "SKIP_WAITING"
	MessageProcessQueue   = "PROCESS_QUEUE"
	MessageClearAllCaches = "CLEAR_ALL_CACHES"
	MessageGetVersion     = "GET_VERSION"

	MessageVersion       = "VERSION"
	MessageCachesCleared = "CACHES_CLEARED"
	MessageActivated     = "ACTIVATED"
)

var ErrUnknownMessage = errors.New("lifecycle: unknown message type")

type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateWaiting:
		return "waiting"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "unknown"
}

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Replayer interface {
	Replay(ctx context.Context) (queue.Report, error)
}

type Notifier interface {
	Broadcast(msgType string, data any)
}

type Options struct {
	Store    *cachestore.Store
	Registry *cachestore.Registry
	Network  Doer
	Origin   *url.URL

	// Precache paths are seeded into the static partition on install,
	// together with whatever Sitemaps yield that Precacheable accepts.
	Precache     []string
	Sitemaps     []string
	Precacheable func(path string) bool
	Concurrency  int

	SkipWaiting bool
	Queue       Replayer
	Clients     Notifier
}

type InstallReport struct {
	Cached int `json:"cached"`
	Failed int `json:"failed"`
}

type VersionInfo struct {
	Version string `json:"version"`
	Static  string `json:"static"`
	API     string `json:"api"`
	State   string `json:"state"`
}

type Controller struct {
	opts Options

	mu    sync.Mutex
	state State
}

func New(opts Options) *Controller {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return &Controller{opts: opts, state: StateInstalling}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Install seeds the static partition and opens the API partition. A failed
// asset is logged and skipped; assets already stored stay stored.
func (c *Controller) Install(ctx context.Context) (InstallReport, error) {
	c.setState(StateInstalling)

	static, err := c.opts.Store.Partition(c.opts.Registry.Name(cachestore.KindStatic))
	if err != nil {
		c.setState(StateRedundant)
		return InstallReport{}, fmt.Errorf("install: %w", err)
	}

	urls := c.manifest(ctx)

	var (
		mu  sync.Mutex
		rep InstallReport
		g   errgroup.Group
	)
	g.SetLimit(c.opts.Concurrency)
	for _, u := range urls {
		g.Go(func() error {
			err := c.precacheOne(ctx, static, u)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				log.Printf("install: precache %s: %v", u, err)
				return nil
			}
			rep.Cached++
			return nil
		})
	}
	_ = g.Wait()

	if _, err := c.opts.Store.Partition(c.opts.Registry.Name(cachestore.KindAPI)); err != nil {
		c.setState(StateRedundant)
		return rep, fmt.Errorf("install: %w", err)
	}
	log.Printf("install: %s cached=%d failed=%d", c.opts.Registry.Version(), rep.Cached, rep.Failed)
	c.setState(StateWaiting)

	if c.opts.SkipWaiting {
		return rep, c.Activate(ctx)
	}
	return rep, nil
}

func (c *Controller) manifest(ctx context.Context) []string {
	seen := map[string]bool{}
	var out []string
	add := func(p string) {
		ref, err := url.Parse(p)
		if err != nil {
			log.Printf("install: skip %q: %v", p, err)
			return
		}
		s := c.opts.Origin.ResolveReference(ref).String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, p := range c.opts.Precache {
		add(p)
	}
	if len(c.opts.Sitemaps) > 0 {
		paths, err := discoverSitemaps(ctx, c.opts.Network, c.opts.Origin, c.opts.Sitemaps)
		if err != nil {
			log.Printf("install: sitemap discovery: %v", err)
		}
		accepted := 0
		for _, p := range paths {
			if c.opts.Precacheable == nil || c.opts.Precacheable(p) {
				add(p)
				accepted++
			}
		}
		log.Printf("install: sitemaps found=%d precacheable=%d", len(paths), accepted)
	}
	return out
}

func (c *Controller) precacheOne(ctx context.Context, static *cachestore.Partition, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := c.opts.Network.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return static.Put(cachestore.Key(http.MethodGet, req.URL), cachestore.NewEntry(resp.StatusCode, resp.Header, body))
}

// Activate deletes every partition the registry does not name as current
// and takes control of connected clients. Deletion is best-effort per
// partition; the failures are joined into the returned error.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateWaiting && c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("activate: controller is %s", st)
	}
	c.state = StateActivating
	c.mu.Unlock()

	names, err := c.opts.Store.Names()
	var errs []error
	if err != nil {
		errs = append(errs, err)
	}
	for _, name := range c.opts.Registry.Stale(names) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := c.opts.Store.Delete(name); err != nil {
			log.Printf("activate: delete %s: %v", name, err)
			errs = append(errs, err)
			continue
		}
		log.Printf("activate: deleted stale cache %s", name)
	}

	c.setState(StateActive)
	if c.opts.Clients != nil {
		c.opts.Clients.Broadcast(MessageActivated, c.version())
	}
	return errors.Join(errs...)
}

// Close marks the controller as no longer in control.
func (c *Controller) Close() {
	c.setState(StateRedundant)
}

func (c *Controller) version() VersionInfo {
	return VersionInfo{
		Version: c.opts.Registry.Version(),
		Static:  c.opts.Registry.Name(cachestore.KindStatic),
		API:     c.opts.Registry.Name(cachestore.KindAPI),
		State:   c.State().String(),
	}
}

// HandleMessage answers one control message. The returned message is the
// reply for the sender; broadcasts to other clients happen as side effects.
func (c *Controller) HandleMessage(ctx context.Context, msgType string) (clients.Message, error) {
	switch msgType {
	case MessageSkipWaiting:
		if c.State() == StateWaiting {
			if err := c.Activate(ctx); err != nil {
				return clients.Message{}, err
			}
		}
		return clients.Message{Type: MessageSkipWaiting, Data: c.version()}, nil

	case MessageProcessQueue:
		if c.opts.Queue == nil {
			return clients.Message{}, fmt.Errorf("lifecycle: no queue configured")
		}
		rep, err := c.opts.Queue.Replay(ctx)
		if err != nil {
			return clients.Message{}, fmt.Errorf("process queue: %w", err)
		}
		return clients.Message{Type: MessageProcessQueue, Data: rep}, nil

	case MessageClearAllCaches:
		deleted, err := c.opts.Store.DeleteAll()
		if err != nil {
			log.Printf("lifecycle: clear caches: %v", err)
		}
		data := map[string][]string{"deleted": deleted}
		if c.opts.Clients != nil {
			c.opts.Clients.Broadcast(MessageCachesCleared, data)
		}
		return clients.Message{Type: MessageCachesCleared, Data: data}, err

	case MessageGetVersion:
		return clients.Message{Type: MessageVersion, Data: c.version()}, nil
	}
	return clients.Message{}, fmt.Errorf("%w: %q", ErrUnknownMessage, msgType)
}
