// Package clients tracks connected application windows and fans messages
// out to them.
package clients

import (
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MessageNavigate   = "NAVIGATE"
	MessageFocus      = "FOCUS"
	MessageOpenWindow = "OPEN_WINDOW"
)

var ErrClientGone = errors.New("clients: client disconnected")

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Client is one connected window. Messages that do not fit in its buffer
// are dropped.
type Client struct {
	ID          string
	ConnectedAt time.Time

	ch chan Message

	mu     sync.Mutex
	url    string
	closed bool
}

func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.url
}

func (c *Client) Messages() <-chan Message { return c.ch }

func (c *Client) send(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- m:
		return true
	default:
		log.Printf("clients: %s buffer full, dropping %s", c.ID, m.Type)
		return false
	}
}

// Navigate asks the window to load url and remembers it as the client's URL.
func (c *Client) Navigate(url string) error {
	if !c.send(Message{Type: MessageNavigate, Data: map[string]string{"url": url}}) {
		return ErrClientGone
	}
	c.mu.Lock()
	c.url = url
	c.mu.Unlock()
	return nil
}

func (c *Client) Focus() error {
	if !c.send(Message{Type: MessageFocus}) {
		return ErrClientGone
	}
	return nil
}

type Hub struct {
	buffer int

	mu      sync.Mutex
	clients map[string]*Client
	// pending holds URLs opened while no window was connected.
	pending []string
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{buffer: buffer, clients: map[string]*Client{}}
}

// Connect registers a window currently showing url. URLs opened while no
// window was connected are delivered to it first.
func (h *Hub) Connect(url string) *Client {
	c := &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		ch:          make(chan Message, h.buffer),
		url:         url,
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, u := range pending {
		_ = c.Navigate(u)
	}
	return c
}

// Disconnect removes c and closes its channel.
func (h *Hub) Disconnect(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()

	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
	c.mu.Unlock()
}

// Clients returns connected clients, oldest first.
func (h *Hub) Clients() []*Client {
	h.mu.Lock()
	out := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

func (h *Hub) Broadcast(msgType string, data any) {
	m := Message{Type: msgType, Data: data}
	for _, c := range h.Clients() {
		c.send(m)
	}
}

// OpenWindow asks a connected client to open url in a new window, or holds
// it for the next client when none is connected.
func (h *Hub) OpenWindow(url string) error {
	cs := h.Clients()
	if len(cs) > 0 {
		if cs[0].send(Message{Type: MessageOpenWindow, Data: map[string]string{"url": url}}) {
			return nil
		}
	}
	h.mu.Lock()
	h.pending = append(h.pending, url)
	h.mu.Unlock()
	return nil
}

func (h *Hub) Pending() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pending...)
}
