package strategy

import (
	"encoding/json"
	"net/http"

	"offgrid/internal/cachestore"
)

type offlineBody struct {
	Error   string `json:"error"`
	Offline bool   `json:"offline"`
	Queued  *bool  `json:"queued,omitempty"`
}

type queuedBody struct {
	Queued  bool   `json:"queued"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

func jsonEntry(status int, v any) cachestore.Entry {
	b, _ := json.Marshal(v)
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return cachestore.NewEntry(status, h, b)
}

// offlineJSON is the 503 answer for API calls with no cached fallback.
func offlineJSON(msg string, queued *bool) cachestore.Entry {
	return jsonEntry(http.StatusServiceUnavailable, offlineBody{Error: msg, Offline: true, Queued: queued})
}

// queuedJSON is the 202 answer for a mutation accepted into the queue.
func queuedJSON(id string) cachestore.Entry {
	return jsonEntry(http.StatusAccepted, queuedBody{
		Queued:  true,
		ID:      id,
		Message: "Request queued for sync when online",
	})
}

func offlineText() cachestore.Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return cachestore.NewEntry(http.StatusServiceUnavailable, h, []byte("Offline"))
}
