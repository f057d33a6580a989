package queue

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "queue")
	q, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, dir
}

func TestEnqueueSameTickKeepsBoth(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	frozen := time.UnixMilli(1_700_000_000_000)
	q.now = func() time.Time { return frozen }

	a, err := q.Enqueue(Mutation{URL: "https://a/api/jobs/1", Method: http.MethodPut, Body: "a"})
	require.NoError(t, err)
	b, err := q.Enqueue(Mutation{URL: "https://a/api/jobs/2", Method: http.MethodPut, Body: "b"})
	require.NoError(t, err)

	assert.Equal(t, a.EnqueuedAt, b.EnqueuedAt)
	assert.Less(t, a.Seq, b.Seq)
	assert.NotEqual(t, a.ID, b.ID)

	items, err := q.List()
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Body)
	assert.Equal(t, "b", items[1].Body)
}

func TestSequenceContinuesAfterReopen(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "queue")
	q, err := Open(dir)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(Mutation{URL: "https://a/api/x", Method: http.MethodPost})
		require.NoError(t, err)
	}
	require.NoError(t, q.Delete(3))
	require.NoError(t, q.Close())

	q2, err := Open(dir)
	require.NoError(t, err)
	defer q2.Close()

	m, err := q2.Enqueue(Mutation{URL: "https://a/api/x", Method: http.MethodPost})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), m.Seq, "sequence resumes after the last stored key")

	n, err := q2.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestGetDelete(t *testing.T) {
	t.Parallel()

	q, _ := openTestQueue(t)
	m, err := q.Enqueue(Mutation{URL: "https://a/api/jobs", Method: http.MethodPost, Headers: map[string]string{"Content-Type": "application/json"}})
	require.NoError(t, err)

	got, err := q.Get(m.Seq)
	require.NoError(t, err)
	assert.Equal(t, m, got)

	require.NoError(t, q.Delete(m.Seq))
	_, err = q.Get(m.Seq)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, errors.Is(q.Delete(m.Seq), ErrNotFound))

	_, err = q.Enqueue(Mutation{Method: http.MethodPost})
	assert.Error(t, err)
}

func TestFlattenHeader(t *testing.T) {
	t.Parallel()

	got := FlattenHeader(http.Header{
		"Content-Type":   {"application/json"},
		"Accept":         {"text/html", "application/json"},
		"Content-Length": {"17"},
		"Connection":     {"keep-alive"},
		"x-trace":        {"abc"},
	})
	assert.Equal(t, map[string]string{
		"Content-Type": "application/json",
		"Accept":       "text/html, application/json",
		"X-Trace":      "abc",
	}, got)
}

type recordedCall struct {
	method, path, body, idem, contentType string
}

func TestReplayOrderAndAtLeastOnce(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var calls []recordedCall
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recordedCall{r.Method, r.URL.Path, string(b), r.Header.Get("Idempotency-Key"), r.Header.Get("Content-Type")})
		mu.Unlock()
		if r.URL.Path == "/api/jobs/2" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	q, _ := openTestQueue(t)
	var queued []Mutation
	for _, p := range []string{"/api/jobs/1", "/api/jobs/2", "/api/jobs/3"} {
		m, err := q.Enqueue(Mutation{
			URL:     origin.URL + p,
			Method:  http.MethodPut,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"status":"done"}`,
		})
		require.NoError(t, err)
		queued = append(queued, m)
	}

	notify := &fakeNotifier{}
	r := NewReplayer(q, origin.Client(), notify)
	rep, err := r.Replay(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Report{Attempted: 3, Replayed: 2, Failed: 1, Remaining: 1}, rep)
	require.Len(t, calls, 3)
	for i, c := range calls {
		assert.Equal(t, http.MethodPut, c.method)
		assert.Equal(t, `{"status":"done"}`, c.body)
		assert.Equal(t, "application/json", c.contentType)
		assert.Equal(t, queued[i].ID, c.idem)
	}
	assert.Equal(t, []string{"/api/jobs/1", "/api/jobs/2", "/api/jobs/3"}, []string{calls[0].path, calls[1].path, calls[2].path})

	left, err := q.List()
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, queued[1], left[0], "failed mutation is kept unchanged")

	require.Len(t, notify.msgs, 1)
	assert.Equal(t, MessageSyncComplete, notify.msgs[0])
}

func TestReplayNetworkErrorKeepsEverything(t *testing.T) {
	t.Parallel()

	origin := httptest.NewServer(http.NotFoundHandler())
	url := origin.URL
	origin.Close()

	q, _ := openTestQueue(t)
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(Mutation{URL: url + "/api/jobs", Method: http.MethodPost, Body: "{}"})
		require.NoError(t, err)
	}

	r := NewReplayer(q, &http.Client{Timeout: time.Second}, nil)
	rep, err := r.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.NetworkErrors)
	assert.Equal(t, 2, rep.Remaining)
}

type fakeNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *fakeNotifier) Broadcast(msgType string, _ any) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msgType)
	n.mu.Unlock()
}

func TestSyncerFiresOnlyWhenOnline(t *testing.T) {
	t.Parallel()

	online := false
	var fired []string
	s := NewSyncer(0, func(context.Context) bool { return online }, func(_ context.Context, tag string) error {
		fired = append(fired, tag)
		return nil
	})

	ctx := context.Background()
	assert.Equal(t, 0, s.Tick(ctx), "nothing registered")

	s.Register("sync-mutations")
	s.Register("sync-mutations")
	assert.Equal(t, 0, s.Tick(ctx), "offline")
	assert.Equal(t, []string{"sync-mutations"}, s.Pending())

	online = true
	assert.Equal(t, 1, s.Tick(ctx))
	assert.Equal(t, []string{"sync-mutations"}, fired)
	assert.Empty(t, s.Pending(), "registration is one-shot")
}

func TestSyncerReRegistersOnFailure(t *testing.T) {
	t.Parallel()

	calls := 0
	s := NewSyncer(0, nil, func(context.Context, string) error {
		calls++
		if calls == 1 {
			return errors.New("still unreachable")
		}
		return nil
	})
	s.Register("t")
	s.Tick(context.Background())
	assert.Equal(t, []string{"t"}, s.Pending())
	s.Tick(context.Background())
	assert.Empty(t, s.Pending())
	assert.Equal(t, 2, calls)
}

func TestSyncerRunWakesOnRegister(t *testing.T) {
	t.Parallel()

	done := make(chan string, 1)
	s := NewSyncer(time.Hour, nil, func(_ context.Context, tag string) error {
		done <- tag
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.Register("sync-mutations")
	select {
	case tag := <-done:
		assert.Equal(t, "sync-mutations", tag)
	case <-time.After(5 * time.Second):
		t.Fatal("sync did not fire")
	}
}

func TestHTTPProbe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	probe := HTTPProbe(srv.Client(), srv.URL+"/", time.Second)
	assert.True(t, probe(context.Background()), "any HTTP response means online")
	srv.Close()
	assert.False(t, probe(context.Background()))
}
