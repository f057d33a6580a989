package offgrid

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"

	"offgrid/internal/clients"
	"offgrid/internal/lifecycle"
	"offgrid/internal/queue"
)

const maxControlBody = 64 << 10

type clickRequest struct {
	Tag    string `json:"tag"`
	Action string `json:"action"`
}

type queueListing struct {
	Pending   int              `json:"pending"`
	Mutations []queue.Mutation `json:"mutations"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("control: write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxControlBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg clients.Message
	if err := decodeBody(r, &msg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	reply, err := s.lifecycle.HandleMessage(r.Context(), msg.Type)
	switch {
	case errors.Is(err, lifecycle.ErrUnknownMessage):
		writeError(w, http.StatusBadRequest, err)
	case err != nil:
		log.Printf("control: %s: %v", msg.Type, err)
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, reply)
	}
}

// handleEvents streams hub messages to one window as server-sent events.
// The window reports its location in the url query parameter.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	loc := s.cfg.Server.OriginURL.String() + "/"
	if raw := r.URL.Query().Get("url"); raw != "" {
		if u, err := url.Parse(raw); err == nil {
			loc = s.cfg.Server.OriginURL.ResolveReference(u).String()
		}
	}
	c := s.hub.Connect(loc)
	defer s.hub.Disconnect(c)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-store")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, clients.Message{Type: "CONNECTED", Data: map[string]string{"clientId": c.ID}}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.streams.Done():
			return
		case m, ok := <-c.Messages():
			if !ok {
				return
			}
			if err := writeEvent(w, m); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w io.Writer, m clients.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.Type, b)
	return err
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.push.Receive(raw))
}

func (s *Service) handleNotifications(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.push.Shown())
}

func (s *Service) handleClick(w http.ResponseWriter, r *http.Request) {
	var req clickRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.push.Click(r.Context(), req.Tag, req.Action)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleQueue(w http.ResponseWriter, _ *http.Request) {
	items, err := s.queue.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []queue.Mutation{}
	}
	writeJSON(w, http.StatusOK, queueListing{Pending: len(items), Mutations: items})
}
