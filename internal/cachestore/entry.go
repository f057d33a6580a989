package cachestore

import (
	"bytes"
	"encoding/gob"
	"hash/crc32"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Entry is a response snapshot as stored in a partition.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// NewEntry snapshots a response. The header is copied and Content-Length is
// dropped since it is recomputed on write.
func NewEntry(status int, h http.Header, body []byte) Entry {
	ent := Entry{
		Status:   status,
		Header:   cloneHeader(h),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
	}
	ent.Header.Del("Content-Length")
	return ent
}

// Clone returns a deep copy.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	out.Body = append([]byte(nil), e.Body...)
	return out
}

// Key is the canonical request key for a partition: method and URL without
// fragment or userinfo.
func Key(method string, u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	c.User = nil
	c.Scheme = strings.ToLower(c.Scheme)
	c.Host = strings.ToLower(c.Host)
	return strings.ToUpper(method) + " " + c.String()
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
