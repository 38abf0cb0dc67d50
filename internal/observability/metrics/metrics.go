package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// face-swap lifecycle events, vendor API calls, poll loop progress, and
// artifact handling. It coordinates concurrent writers via a RWMutex while
// exposing a thread-safe gauge for in-flight swap tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	swapEvents      map[string]uint64
	activeSwaps     atomic.Int64
	vendorAttempts  map[string]uint64
	vendorFailures  map[string]uint64
	pollRounds      uint64
	pollExhausted   uint64
	artifactEvents  map[string]uint64
	dependencyValue map[string]float64
	dependencyState map[string]string
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		swapEvents:      make(map[string]uint64),
		vendorAttempts:  make(map[string]uint64),
		vendorFailures:  make(map[string]uint64),
		artifactEvents:  make(map[string]uint64),
		dependencyValue: make(map[string]float64),
		dependencyState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// SwapStarted records the beginning of a face-swap request and increments the
// in-flight gauge atomically so concurrent requests remain consistent.
func (r *Recorder) SwapStarted() {
	r.incrementSwapEvent("start")
	r.activeSwaps.Add(1)
}

// SwapSucceeded records a completed face-swap request and decrements the
// in-flight gauge, guarding against negative counts when concurrent updates
// race.
func (r *Recorder) SwapSucceeded() {
	r.incrementSwapEvent("success")
	r.decrementGauge(&r.activeSwaps)
}

// SwapFailed records a face-swap request that ended in an error response and
// decrements the in-flight gauge.
func (r *Recorder) SwapFailed() {
	r.incrementSwapEvent("failure")
	r.decrementGauge(&r.activeSwaps)
}

func (r *Recorder) incrementSwapEvent(event string) {
	normalized := strings.ToLower(strings.TrimSpace(event))
	if normalized == "" {
		normalized = "unknown"
	}
	r.mu.Lock()
	r.swapEvents[normalized]++
	r.mu.Unlock()
}

// ObserveVendorAttempt records a vendor API operation attempt keyed by
// operation name (e.g., "create_job", "get_job", "download").
func (r *Recorder) ObserveVendorAttempt(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.vendorAttempts[op]++
	r.mu.Unlock()
}

// ObserveVendorFailure records a failed vendor API operation keyed by
// operation name. The caller should also record the attempt separately.
func (r *Recorder) ObserveVendorFailure(operation string) {
	op := normalizeName(operation)
	r.mu.Lock()
	r.vendorFailures[op]++
	r.mu.Unlock()
}

// ObservePollRound records a single status poll against the vendor job API.
func (r *Recorder) ObservePollRound() {
	r.mu.Lock()
	r.pollRounds++
	r.mu.Unlock()
}

// PollExhausted records a job that never reached a terminal state within the
// configured poll budget.
func (r *Recorder) PollExhausted() {
	r.mu.Lock()
	r.pollExhausted++
	r.mu.Unlock()
}

// ObserveArtifactEvent records artifact handling events keyed by stage (e.g.,
// "downloaded", "published", "removed", "swept").
func (r *Recorder) ObserveArtifactEvent(event string) {
	normalized := normalizeName(event)
	r.mu.Lock()
	r.artifactEvents[normalized]++
	r.mu.Unlock()
}

// ActiveSwaps exposes the current gauge of face-swap requests in flight.
func (r *Recorder) ActiveSwaps() int64 {
	return r.activeSwaps.Load()
}

// SetDependencyHealth normalizes dependency identifiers, maps status strings to
// numeric health values, and stores both representations for export.
func (r *Recorder) SetDependencyHealth(component, status string) {
	normalizedComponent := strings.ToLower(strings.TrimSpace(component))
	if normalizedComponent == "" {
		normalizedComponent = "unknown"
	}
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedComponent] = value
	r.dependencyState[normalizedComponent] = normalizedStatus
	r.mu.Unlock()
}

// VendorCounts returns copies of vendor attempt and failure counters for
// testing and reporting purposes.
func (r *Recorder) VendorCounts() (attempts map[string]uint64, failures map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	attempts = make(map[string]uint64, len(r.vendorAttempts))
	for k, v := range r.vendorAttempts {
		attempts[k] = v
	}
	failures = make(map[string]uint64, len(r.vendorFailures))
	for k, v := range r.vendorFailures {
		failures[k] = v
	}
	return attempts, failures
}

// SwapCounts returns copies of swap lifecycle counters and the current
// in-flight gauge value.
func (r *Recorder) SwapCounts() (events map[string]uint64, active int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events = make(map[string]uint64, len(r.swapEvents))
	for k, v := range r.swapEvents {
		events[k] = v
	}
	return events, r.activeSwaps.Load()
}

// PollCounts returns the total poll rounds and exhaustion counters.
func (r *Recorder) PollCounts() (rounds uint64, exhausted uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pollRounds, r.pollExhausted
}

// ArtifactCounts returns a copy of artifact event counters.
func (r *Recorder) ArtifactCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := make(map[string]uint64, len(r.artifactEvents))
	for k, v := range r.artifactEvents {
		events[k] = v
	}
	return events
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.swapEvents = make(map[string]uint64)
	r.vendorAttempts = make(map[string]uint64)
	r.vendorFailures = make(map[string]uint64)
	r.pollRounds = 0
	r.pollExhausted = 0
	r.artifactEvents = make(map[string]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.activeSwaps.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	swapEvents := r.sortedSwapEvents()
	vendorOperations := r.sortedVendorOperations()
	artifactEvents := r.sortedArtifactEvents()
	dependencies := r.sortedDependencies()

	fmt.Fprintln(w, "# HELP beart_relay_http_requests_total Total number of HTTP requests processed by the relay")
	fmt.Fprintln(w, "# TYPE beart_relay_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "beart_relay_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP beart_relay_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE beart_relay_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "beart_relay_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP beart_relay_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE beart_relay_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "beart_relay_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP beart_relay_swap_events_total Face-swap lifecycle events by outcome")
	fmt.Fprintln(w, "# TYPE beart_relay_swap_events_total counter")
	for _, event := range swapEvents {
		value := r.swapEvents[event]
		fmt.Fprintf(w, "beart_relay_swap_events_total{event=\"%s\"} %d\n", event, value)
	}

	fmt.Fprintln(w, "# HELP beart_relay_active_swaps Current number of face-swap requests in flight")
	fmt.Fprintln(w, "# TYPE beart_relay_active_swaps gauge")
	fmt.Fprintf(w, "beart_relay_active_swaps %d\n", r.activeSwaps.Load())

	fmt.Fprintln(w, "# HELP beart_relay_vendor_attempts_total Total vendor API operations attempted by action")
	fmt.Fprintln(w, "# TYPE beart_relay_vendor_attempts_total counter")
	for _, op := range vendorOperations {
		count := r.vendorAttempts[op]
		fmt.Fprintf(w, "beart_relay_vendor_attempts_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP beart_relay_vendor_failures_total Total vendor API operation failures by action")
	fmt.Fprintln(w, "# TYPE beart_relay_vendor_failures_total counter")
	for _, op := range vendorOperations {
		count := r.vendorFailures[op]
		fmt.Fprintf(w, "beart_relay_vendor_failures_total{operation=\"%s\"} %d\n", op, count)
	}

	fmt.Fprintln(w, "# HELP beart_relay_poll_rounds_total Total status polls issued against the vendor job API")
	fmt.Fprintln(w, "# TYPE beart_relay_poll_rounds_total counter")
	fmt.Fprintf(w, "beart_relay_poll_rounds_total %d\n", r.pollRounds)

	fmt.Fprintln(w, "# HELP beart_relay_poll_exhausted_total Jobs that never reached a terminal state within the poll budget")
	fmt.Fprintln(w, "# TYPE beart_relay_poll_exhausted_total counter")
	fmt.Fprintf(w, "beart_relay_poll_exhausted_total %d\n", r.pollExhausted)

	fmt.Fprintln(w, "# HELP beart_relay_artifact_events_total Artifact handling events by stage")
	fmt.Fprintln(w, "# TYPE beart_relay_artifact_events_total counter")
	for _, event := range artifactEvents {
		count := r.artifactEvents[event]
		fmt.Fprintf(w, "beart_relay_artifact_events_total{event=\"%s\"} %d\n", event, count)
	}

	fmt.Fprintln(w, "# HELP beart_relay_dependency_health Health status reported by relay dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE beart_relay_dependency_health gauge")
	for _, component := range dependencies {
		value := r.dependencyValue[component]
		status := r.dependencyState[component]
		fmt.Fprintf(w, "beart_relay_dependency_health{component=\"%s\",status=\"%s\"} %f\n", component, status, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedSwapEvents() []string {
	events := make([]string, 0, len(r.swapEvents))
	for event := range r.swapEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedVendorOperations() []string {
	seen := make(map[string]struct{}, len(r.vendorAttempts)+len(r.vendorFailures))
	for op := range r.vendorAttempts {
		seen[op] = struct{}{}
	}
	for op := range r.vendorFailures {
		seen[op] = struct{}{}
	}
	ops := make([]string, 0, len(seen))
	for op := range seen {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

func (r *Recorder) sortedArtifactEvents() []string {
	events := make([]string, 0, len(r.artifactEvents))
	for event := range r.artifactEvents {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}

func (r *Recorder) sortedDependencies() []string {
	components := make([]string, 0, len(r.dependencyValue))
	for component := range r.dependencyValue {
		components = append(components, component)
	}
	sort.Strings(components)
	return components
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// looksLikeIdentifier flags path segments that resemble vendor job IDs or
// artifact file names so scrape cardinality stays bounded. Route words such as
// "face-swap" must survive, hence the long length threshold.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// SwapStarted increments counters on the default recorder.
func SwapStarted() {
	defaultRecorder.SwapStarted()
}

// SwapSucceeded records a successful swap on the default recorder.
func SwapSucceeded() {
	defaultRecorder.SwapSucceeded()
}

// SwapFailed records a failed swap on the default recorder.
func SwapFailed() {
	defaultRecorder.SwapFailed()
}

// SetDependencyHealth updates dependency health for the default recorder.
func SetDependencyHealth(component, status string) {
	defaultRecorder.SetDependencyHealth(component, status)
}

// ObserveVendorAttempt records a vendor operation attempt on the default recorder.
func ObserveVendorAttempt(operation string) {
	defaultRecorder.ObserveVendorAttempt(operation)
}

// ObserveVendorFailure records a vendor operation failure on the default recorder.
func ObserveVendorFailure(operation string) {
	defaultRecorder.ObserveVendorFailure(operation)
}

// ObservePollRound records a status poll on the default recorder.
func ObservePollRound() {
	defaultRecorder.ObservePollRound()
}

// PollExhausted records an exhausted poll budget on the default recorder.
func PollExhausted() {
	defaultRecorder.PollExhausted()
}

// ObserveArtifactEvent records an artifact handling event on the default recorder.
func ObserveArtifactEvent(event string) {
	defaultRecorder.ObserveArtifactEvent(event)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
