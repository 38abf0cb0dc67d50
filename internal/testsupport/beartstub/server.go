// Package beartstub hosts a fake BeArt vendor API for tests. It records every
// create and poll interaction, can fail or delay completion on demand, and
// serves the finished image for download.
package beartstub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake vendor should behave.
type Options struct {
	// JobID is returned from the create-job endpoint.
	JobID string

	// PollCodes is the sequence of vendor codes returned from successive
	// get-job calls. When the sequence is exhausted the final entry keeps
	// repeating. Empty means immediate success.
	PollCodes []int

	// CreateCode overrides the vendor code returned from create-job. Zero
	// means success.
	CreateCode int

	// FailCreates causes the first N create-job requests to return HTTP 503.
	// Subsequent attempts succeed.
	FailCreates int

	// FailPolls causes the first N get-job requests to return HTTP 502.
	// Subsequent attempts succeed.
	FailPolls int

	// ProductSerial, when set, is enforced on create-job requests.
	ProductSerial string

	// ResultImage is served from the result download endpoint. Defaults to a
	// minimal JPEG payload.
	ResultImage []byte
}

// Part captures one multipart file part received by the create-job endpoint,
// in the order the parts appeared on the wire.
type Part struct {
	Field       string
	Filename    string
	ContentType string
	Body        []byte
}

// Operation represents a recorded vendor interaction.
type Operation struct {
	Kind      string
	JobID     string
	Serial    string
	Parts     []Part
	Attempt   int
	Status    int
	Code      int
	Timestamp time.Time
}

// Vendor hosts a single httptest.Server that serves all vendor endpoints.
type Vendor struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	creates    int
	polls      int
}

// Start spins up a new vendor stub using the provided options.
func Start(opts Options) *Vendor {
	if opts.JobID == "" {
		opts.JobID = "job-123"
	}
	if opts.CreateCode == 0 {
		opts.CreateCode = 100000
	}
	if len(opts.ResultImage) == 0 {
		opts.ResultImage = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0xFF, 0xD9}
	}
	v := &Vendor{opts: opts}
	v.server = httptest.NewServer(http.HandlerFunc(v.handle))
	return v
}

// Close shuts down the underlying HTTP server.
func (v *Vendor) Close() {
	if v.server != nil {
		v.server.Close()
	}
}

// BaseURL returns the HTTP base URL for all vendor endpoints.
func (v *Vendor) BaseURL() string {
	return v.server.URL
}

// ResultURL returns the download URL a successful poll hands out.
func (v *Vendor) ResultURL() string {
	return v.server.URL + "/results/output.jpg"
}

// Operations returns a copy of all recorded operations in the order they
// occurred.
func (v *Vendor) Operations() []Operation {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Operation, len(v.operations))
	copy(out, v.operations)
	return out
}

func (v *Vendor) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/beart/face-swap/create-job":
		v.handleCreate(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/beart/face-swap/get-job/"):
		v.handlePoll(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/results/output.jpg":
		v.handleDownload(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (v *Vendor) handleCreate(w http.ResponseWriter, r *http.Request) {
	serial := r.Header.Get("product-serial")
	if v.opts.ProductSerial != "" && serial != v.opts.ProductSerial {
		http.Error(w, "unknown product serial", http.StatusForbidden)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	var parts []Part
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		parts = append(parts, Part{
			Field:       part.FormName(),
			Filename:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        body,
		})
	}

	v.mu.Lock()
	v.creates++
	attempt := v.creates
	v.mu.Unlock()

	op := Operation{
		Kind:      "create",
		JobID:     v.opts.JobID,
		Serial:    serial,
		Parts:     parts,
		Attempt:   attempt,
		Status:    http.StatusOK,
		Code:      v.opts.CreateCode,
		Timestamp: time.Now(),
	}

	if attempt <= v.opts.FailCreates {
		op.Status = http.StatusServiceUnavailable
		v.record(op)
		http.Error(w, "vendor unavailable", http.StatusServiceUnavailable)
		return
	}

	v.record(op)

	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"code":   v.opts.CreateCode,
		"result": map[string]interface{}{"job_id": v.opts.JobID},
	})
}

func (v *Vendor) handlePoll(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/beart/face-swap/get-job/")

	v.mu.Lock()
	v.polls++
	attempt := v.polls
	v.mu.Unlock()

	code := 100000
	if len(v.opts.PollCodes) > 0 {
		index := attempt - 1
		if index >= len(v.opts.PollCodes) {
			index = len(v.opts.PollCodes) - 1
		}
		code = v.opts.PollCodes[index]
	}

	op := Operation{
		Kind:      "poll",
		JobID:     jobID,
		Attempt:   attempt,
		Status:    http.StatusOK,
		Code:      code,
		Timestamp: time.Now(),
	}

	if attempt <= v.opts.FailPolls {
		op.Status = http.StatusBadGateway
		v.record(op)
		http.Error(w, "vendor offline", http.StatusBadGateway)
		return
	}

	v.record(op)

	payload := map[string]interface{}{"code": code}
	if code == 100000 {
		payload["result"] = map[string]interface{}{"output": []string{v.ResultURL()}}
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (v *Vendor) handleDownload(w http.ResponseWriter, r *http.Request) {
	v.record(Operation{Kind: "download", Status: http.StatusOK})
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(v.opts.ResultImage)))
	_, _ = w.Write(v.opts.ResultImage)
}

func (v *Vendor) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.operations = append(v.operations, op)
}
