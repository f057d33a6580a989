package offgrid

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

type transport struct {
	svc  *Service
	base http.RoundTripper
}

// Transport returns a RoundTripper that answers same-origin requests through
// the engine. Other requests go to base, or http.DefaultTransport when base
// is nil. base never carries same-origin traffic: the engine reaches the
// origin with the service client, which WithHTTPClient configures.
func (s *Service) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &transport{svc: s, base: base}
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.svc.router.SameOrigin(req.URL) {
		return t.base.RoundTrip(req)
	}
	res, err := t.svc.engine.Handle(req)
	if err != nil {
		t.svc.stats.ObserveSource("bad-gateway")
		return nil, err
	}
	t.svc.stats.ObserveSource(string(res.Source))
	t.svc.stats.Observe(len(res.Entry.Body))

	h := res.Entry.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	setSourceHeaders(h, string(res.Source))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", res.Entry.Status, http.StatusText(res.Entry.Status)),
		StatusCode:    res.Entry.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(res.Entry.Body)),
		ContentLength: int64(len(res.Entry.Body)),
		Request:       req,
	}, nil
}
