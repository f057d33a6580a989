package push

import (
	"context"
	"log"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"offgrid/internal/clients"
	"offgrid/internal/config"
)

const (
	MessageNotification = "NOTIFICATION"
	ActionDismiss       = "dismiss"
)

// Windows is the view of connected application windows the gateway needs.
type Windows interface {
	Clients() []*clients.Client
	OpenWindow(url string) error
	Broadcast(msgType string, data any)
}

type Notification struct {
	Intent
	ShownAt time.Time `json:"shownAt"`
}

type ClickOutcome string

const (
	OutcomeDismissed ClickOutcome = "dismissed"
	OutcomeFocused   ClickOutcome = "focused"
	OutcomeOpened    ClickOutcome = "opened"
)

type ClickResult struct {
	Outcome  ClickOutcome `json:"outcome"`
	URL      string       `json:"url,omitempty"`
	ClientID string       `json:"clientId,omitempty"`
}

type Gateway struct {
	cfg     config.PushConfig
	origin  *url.URL
	windows Windows
	now     func() time.Time

	mu    sync.Mutex
	shown map[string]Notification
}

func NewGateway(cfg config.PushConfig, origin *url.URL, windows Windows) *Gateway {
	return &Gateway{
		cfg:     cfg,
		origin:  origin,
		windows: windows,
		now:     time.Now,
		shown:   map[string]Notification{},
	}
}

// Receive shows the notification for raw. A notification with the same tag
// is replaced.
func (g *Gateway) Receive(raw []byte) Notification {
	p, ok := ParsePayload(raw)
	if !ok {
		log.Printf("push: unreadable payload (%d bytes), using defaults", len(raw))
	}
	now := g.now()
	n := Notification{Intent: BuildIntent(p, g.cfg, now), ShownAt: now}

	g.mu.Lock()
	_, replaced := g.shown[n.Tag]
	g.shown[n.Tag] = n
	g.mu.Unlock()

	log.Printf("push: show tag=%s type=%s replaced=%v", n.Tag, n.Type, replaced)
	if g.windows != nil {
		g.windows.Broadcast(MessageNotification, n)
	}
	return n
}

// Shown lists the notifications currently displayed, by tag.
func (g *Gateway) Shown() []Notification {
	g.mu.Lock()
	out := make([]Notification, 0, len(g.shown))
	for _, n := range g.shown {
		out = append(out, n)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Click resolves a click on the notification tagged tag. The notification
// is closed whatever the outcome.
func (g *Gateway) Click(ctx context.Context, tag, action string) (ClickResult, error) {
	g.mu.Lock()
	n, ok := g.shown[tag]
	delete(g.shown, tag)
	g.mu.Unlock()

	if action == ActionDismiss {
		return ClickResult{Outcome: OutcomeDismissed}, nil
	}
	if err := ctx.Err(); err != nil {
		return ClickResult{}, err
	}

	target := g.cfg.FallbackURL
	if ok && n.URL != "" {
		target = n.URL
	}
	target = g.absolute(target)

	for _, c := range g.windows.Clients() {
		if !g.onOrigin(c.URL()) {
			continue
		}
		if err := c.Navigate(target); err != nil {
			log.Printf("push: navigate client %s: %v", c.ID, err)
			continue
		}
		if err := c.Focus(); err != nil {
			log.Printf("push: focus client %s: %v", c.ID, err)
		}
		return ClickResult{Outcome: OutcomeFocused, URL: target, ClientID: c.ID}, nil
	}

	if err := g.windows.OpenWindow(target); err != nil {
		return ClickResult{}, err
	}
	return ClickResult{Outcome: OutcomeOpened, URL: target}, nil
}

func (g *Gateway) absolute(target string) string {
	if target == "" {
		target = "/"
	}
	u, err := url.Parse(target)
	if err != nil {
		return g.origin.String() + "/"
	}
	return g.origin.ResolveReference(u).String()
}

func (g *Gateway) onOrigin(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Scheme, g.origin.Scheme) && strings.EqualFold(u.Host, g.origin.Host)
}
