// Package cosstub hosts a minimal S3-compatible object endpoint for tests.
// It accepts path-style PutObject calls, records every stored object, and can
// withhold the ETag acknowledgement to exercise unconfirmed uploads.
package cosstub

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake bucket should behave.
type Options struct {
	// ETag is returned on successful puts. Defaults to a fixed value.
	ETag string

	// SuppressETag omits the ETag response header entirely.
	SuppressETag bool

	// FailPuts causes the first N put requests to return HTTP 500.
	// Subsequent attempts succeed.
	FailPuts int
}

// Object represents a recorded upload.
type Object struct {
	Bucket      string
	Key         string
	ContentType string
	Body        []byte
	Timestamp   time.Time
}

// Bucket hosts a single httptest.Server accepting object puts.
type Bucket struct {
	server *httptest.Server
	opts   Options

	mu      sync.Mutex
	objects []Object
	puts    int
}

// Start spins up a new bucket stub using the provided options.
func Start(opts Options) *Bucket {
	if opts.ETag == "" {
		opts.ETag = `"stub-etag-1"`
	}
	b := &Bucket{opts: opts}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	return b
}

// Close shuts down the underlying HTTP server.
func (b *Bucket) Close() {
	if b.server != nil {
		b.server.Close()
	}
}

// URL returns the endpoint tests hand to the publisher configuration.
func (b *Bucket) URL() string {
	return b.server.URL
}

// Objects returns a copy of all recorded uploads in the order they occurred.
func (b *Bucket) Objects() []Object {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Object, len(b.objects))
	copy(out, b.objects)
	return out
}

func (b *Bucket) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "unexpected request", http.StatusNotFound)
		return
	}

	// Path style: /<bucket>/<key...>
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	segments := strings.SplitN(trimmed, "/", 2)
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" {
		http.Error(w, "bad object path", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.puts++
	attempt := b.puts
	b.mu.Unlock()

	if attempt <= b.opts.FailPuts {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`<Error><Code>InternalError</Code><Message>stub failure</Message></Error>`))
		return
	}

	b.mu.Lock()
	b.objects = append(b.objects, Object{
		Bucket:      segments[0],
		Key:         segments[1],
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
		Timestamp:   time.Now(),
	})
	b.mu.Unlock()

	if !b.opts.SuppressETag {
		w.Header().Set("ETag", b.opts.ETag)
	}
	w.WriteHeader(http.StatusOK)
}
