package queue

import (
	"context"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
)

// MessageSyncComplete is broadcast to clients after every replay batch.
const MessageSyncComplete = "SYNC_COMPLETE"

type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Notifier interface {
	Broadcast(msgType string, data any)
}

type Report struct {
	Attempted     int `json:"attempted"`
	Replayed      int `json:"replayed"`
	Failed        int `json:"failed"`
	NetworkErrors int `json:"networkErrors"`
	Remaining     int `json:"remaining"`
}

// Replayer drains the queue. A mutation leaves the queue only after the
// origin answered it with a 2xx; failed ones stay, unchanged, for the next
// batch.
type Replayer struct {
	queue  *Queue
	client Doer
	notify Notifier

	mu sync.Mutex
}

func NewReplayer(q *Queue, client Doer, notify Notifier) *Replayer {
	return &Replayer{queue: q, client: client, notify: notify}
}

// Replay runs one batch. Batches never overlap.
func (r *Replayer) Replay(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	items, err := r.queue.List()
	if err != nil {
		return Report{}, err
	}

	var rep Report
	for _, m := range items {
		if ctx.Err() != nil {
			break
		}
		rep.Attempted++
		status, err := r.send(ctx, m)
		switch {
		case err != nil:
			rep.Failed++
			rep.NetworkErrors++
			log.Printf("sync: replay #%d %s %s: %v", m.Seq, m.Method, m.URL, err)
		case status < 200 || status > 299:
			rep.Failed++
			log.Printf("sync: replay #%d %s %s: status %d, kept for retry", m.Seq, m.Method, m.URL, status)
		default:
			if err := r.queue.Delete(m.Seq); err != nil {
				rep.Failed++
				log.Printf("sync: replayed #%d but could not remove it: %v", m.Seq, err)
				continue
			}
			rep.Replayed++
		}
	}

	if n, err := r.queue.Len(); err == nil {
		rep.Remaining = n
	}
	if r.notify != nil {
		r.notify.Broadcast(MessageSyncComplete, rep)
	}
	log.Printf("sync: batch done attempted=%d replayed=%d failed=%d remaining=%d",
		rep.Attempted, rep.Replayed, rep.Failed, rep.Remaining)
	return rep, ctx.Err()
}

func (r *Replayer) send(ctx context.Context, m Mutation) (int, error) {
	var body io.Reader
	if m.Body != "" {
		body = strings.NewReader(m.Body)
	}
	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, body)
	if err != nil {
		return 0, err
	}
	for k, v := range m.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Idempotency-Key") == "" {
		req.Header.Set("Idempotency-Key", m.ID)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
