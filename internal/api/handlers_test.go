package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"beart-relay/internal/artifact"
	"beart-relay/internal/beart"
	"beart-relay/internal/cos"
	"beart-relay/internal/observability/metrics"
	"beart-relay/internal/testsupport/beartstub"
	"beart-relay/internal/testsupport/cosstub"
)

var (
	jpegPayload = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0xFF, 0xD9}
	pngPayload  = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}, bytes.Repeat([]byte{0x00}, 8)...)
)

type fakeSwapClient struct {
	jobID     string
	resultURL string
	createErr error
	pollErr   error

	creates int
	polls   int
	source  []byte
	target  []byte
}

func (f *fakeSwapClient) CreateJob(ctx context.Context, source, target []byte) (string, error) {
	f.creates++
	f.source = append([]byte(nil), source...)
	f.target = append([]byte(nil), target...)
	if f.createErr != nil {
		return "", f.createErr
	}
	if f.jobID == "" {
		return "job-1", nil
	}
	return f.jobID, nil
}

func (f *fakeSwapClient) PollJob(ctx context.Context, jobID string) (string, error) {
	f.polls++
	if f.pollErr != nil {
		return "", f.pollErr
	}
	return f.resultURL, nil
}

type fakePublisher struct {
	url string
	err error

	calls       int
	path        string
	key         string
	contentType string
}

func (f *fakePublisher) Publish(ctx context.Context, path, key, contentType string) (string, error) {
	f.calls++
	f.path = path
	f.key = key
	f.contentType = contentType
	if f.err != nil {
		return "", f.err
	}
	return f.url, nil
}

type uploadPart struct {
	field    string
	filename string
	payload  []byte
}

func newSwapRequest(t *testing.T, parts []uploadPart) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, part := range parts {
		fw, err := writer.CreateFormFile(part.field, part.filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := fw.Write(part.payload); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/beartAI/face-swap", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeErrorBody(t *testing.T, body *bytes.Buffer) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return payload["error"]
}

func cosConfigForTest(endpoint string) cos.Config {
	return cos.Config{
		Region:       "ap-shanghai",
		SecretID:     "test-id",
		SecretKey:    "test-key",
		Bucket:       "swap-media",
		Endpoint:     endpoint,
		UsePathStyle: true,
	}
}

func newTestPublisher(cfg cos.Config) (*cos.Publisher, error) {
	return cos.NewPublisher(context.Background(), cfg)
}

func TestFaceSwapMethodNotAllowed(t *testing.T) {
	handler := &Handler{Logger: quietLogger(), Metrics: metrics.New()}

	recorder := httptest.NewRecorder()
	handler.FaceSwap(recorder, httptest.NewRequest(http.MethodGet, "/beartAI/face-swap", nil))

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", recorder.Code)
	}
	if allow := recorder.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("expected Allow header %q, got %q", http.MethodPost, allow)
	}
	if msg := decodeErrorBody(t, recorder.Body); !strings.Contains(msg, "method GET not allowed") {
		t.Fatalf("unexpected error message %q", msg)
	}
}

func TestFaceSwapRejectsBadUploads(t *testing.T) {
	cases := []struct {
		name    string
		parts   []uploadPart
		rawBody string
		wantMsg string
	}{
		{
			name:    "missing source part",
			parts:   []uploadPart{{field: partTargetImage, filename: "b.jpg", payload: jpegPayload}},
			wantMsg: "form part source_image is required",
		},
		{
			name:    "missing target part",
			parts:   []uploadPart{{field: partSourceImage, filename: "a.jpg", payload: jpegPayload}},
			wantMsg: "form part target_image is required",
		},
		{
			name:    "not multipart",
			rawBody: `{"source_image": "zzz"}`,
			wantMsg: "invalid multipart payload",
		},
		{
			name: "unsupported source format",
			parts: []uploadPart{
				{field: partSourceImage, filename: "a.txt", payload: []byte("definitely not an image")},
				{field: partTargetImage, filename: "b.jpg", payload: jpegPayload},
			},
			wantMsg: "unsupported image format: source_image",
		},
		{
			name: "unsupported target format",
			parts: []uploadPart{
				{field: partSourceImage, filename: "a.jpg", payload: jpegPayload},
				{field: partTargetImage, filename: "b.bin", payload: []byte{0x00, 0x01, 0x02, 0x03}},
			},
			wantMsg: "unsupported image format: target_image",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vendor := &fakeSwapClient{resultURL: "http://vendor.example/out.jpg"}
			recorder := metrics.New()
			handler := &Handler{
				Swapper:   vendor,
				Artifacts: &artifact.Store{Dir: t.TempDir()},
				Publisher: &fakePublisher{url: "https://bucket.example/out.jpg"},
				Logger:    quietLogger(),
				Metrics:   recorder,
			}

			var req *http.Request
			if tc.rawBody != "" {
				req = httptest.NewRequest(http.MethodPost, "/beartAI/face-swap", strings.NewReader(tc.rawBody))
				req.Header.Set("Content-Type", "application/json")
			} else {
				req = newSwapRequest(t, tc.parts)
			}

			rec := httptest.NewRecorder()
			handler.FaceSwap(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status 400, got %d", rec.Code)
			}
			if msg := decodeErrorBody(t, rec.Body); !strings.Contains(msg, tc.wantMsg) {
				t.Fatalf("expected error containing %q, got %q", tc.wantMsg, msg)
			}
			if vendor.creates != 0 || vendor.polls != 0 {
				t.Fatalf("vendor saw traffic for a rejected upload: creates=%d polls=%d", vendor.creates, vendor.polls)
			}
			if events, _ := recorder.SwapCounts(); len(events) != 0 {
				t.Fatalf("expected no swap events for a rejected upload, got %v", events)
			}
		})
	}
}

func TestFaceSwapDuplicatePartsKeepFirst(t *testing.T) {
	vendor := &fakeSwapClient{resultURL: "http://vendor.example/out.jpg"}
	dir := t.TempDir()
	handler := &Handler{
		Swapper:   vendor,
		Artifacts: &artifact.Store{Dir: dir},
		Publisher: &fakePublisher{url: "https://bucket.example/out.jpg"},
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegPayload)
	}))
	defer server.Close()
	vendor.resultURL = server.URL + "/out.jpg"

	req := newSwapRequest(t, []uploadPart{
		{field: partSourceImage, filename: "first.jpg", payload: jpegPayload},
		{field: partSourceImage, filename: "second.png", payload: pngPayload},
		{field: "unrelated", filename: "noise.txt", payload: []byte("ignored")},
		{field: partTargetImage, filename: "target.png", payload: pngPayload},
	})

	rec := httptest.NewRecorder()
	handler.FaceSwap(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(vendor.source, jpegPayload) {
		t.Fatalf("expected first source part to win, vendor got %v", vendor.source)
	}
	if !bytes.Equal(vendor.target, pngPayload) {
		t.Fatalf("vendor got unexpected target payload %v", vendor.target)
	}
}

func TestFaceSwapUploadTooLarge(t *testing.T) {
	vendor := &fakeSwapClient{resultURL: "http://vendor.example/out.jpg"}
	handler := &Handler{
		Swapper:        vendor,
		Artifacts:      &artifact.Store{Dir: t.TempDir()},
		Publisher:      &fakePublisher{url: "https://bucket.example/out.jpg"},
		Logger:         quietLogger(),
		Metrics:        metrics.New(),
		MaxUploadBytes: 256,
	}

	oversized := append(append([]byte(nil), jpegPayload...), bytes.Repeat([]byte{0xAA}, 4096)...)
	req := newSwapRequest(t, []uploadPart{
		{field: partSourceImage, filename: "a.jpg", payload: oversized},
		{field: partTargetImage, filename: "b.jpg", payload: jpegPayload},
	})

	rec := httptest.NewRecorder()
	handler.FaceSwap(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rec.Code)
	}
	if vendor.creates != 0 {
		t.Fatalf("vendor saw traffic for an oversized upload: creates=%d", vendor.creates)
	}
}

func TestFaceSwapPipelineSuccess(t *testing.T) {
	resultImage := append(append([]byte(nil), jpegPayload...), bytes.Repeat([]byte{0x42}, 64)...)
	vendor := beartstub.Start(beartstub.Options{
		JobID:         "job-777",
		PollCodes:     []int{300001, 300001, 100000},
		ProductSerial: "serial-1",
		ResultImage:   resultImage,
	})
	defer vendor.Close()
	bucket := cosstub.Start(cosstub.Options{})
	defer bucket.Close()

	client, err := beart.NewClient(beart.Config{
		BaseURL:       vendor.BaseURL(),
		ProductSerial: "serial-1",
		PollAttempts:  5,
		PollInterval:  time.Millisecond,
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("new vendor client: %v", err)
	}

	storageConfig := cosConfigForTest(bucket.URL())
	publisher, err := newTestPublisher(storageConfig)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	dir := t.TempDir()
	recorder := metrics.New()
	handler := &Handler{
		Swapper:   client,
		Artifacts: &artifact.Store{Dir: dir, Logger: quietLogger()},
		Publisher: publisher,
		Logger:    quietLogger(),
		Metrics:   recorder,
	}

	req := newSwapRequest(t, []uploadPart{
		{field: partSourceImage, filename: "me.png", payload: pngPayload},
		{field: partTargetImage, filename: "scene.jpg", payload: jpegPayload},
	})

	rec := httptest.NewRecorder()
	handler.FaceSwap(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var outcome struct {
		Success     bool   `json:"success"`
		ImageURL    string `json:"image_url"`
		OriginalURL string `json:"original_url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &outcome); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !outcome.Success {
		t.Fatalf("expected success=true, got %+v", outcome)
	}
	if outcome.OriginalURL != vendor.ResultURL() {
		t.Fatalf("expected original_url %q, got %q", vendor.ResultURL(), outcome.OriginalURL)
	}

	objects := bucket.Objects()
	if len(objects) != 1 {
		t.Fatalf("expected one stored object, got %d", len(objects))
	}
	object := objects[0]
	if object.Bucket != storageConfig.Bucket {
		t.Fatalf("expected object in bucket %q, got %q", storageConfig.Bucket, object.Bucket)
	}
	if !strings.HasPrefix(object.Key, "faceswap_") || !strings.HasSuffix(object.Key, ".jpg") {
		t.Fatalf("unexpected object key %q", object.Key)
	}
	if object.ContentType != "image/jpeg" {
		t.Fatalf("expected content type image/jpeg, got %q", object.ContentType)
	}
	if !bytes.Equal(object.Body, resultImage) {
		t.Fatalf("stored object does not match the vendor result image")
	}
	if want := storageConfig.PublicURL(object.Key); outcome.ImageURL != want {
		t.Fatalf("expected image_url %q, got %q", want, outcome.ImageURL)
	}

	var creates, polls, downloads int
	var createOp beartstub.Operation
	for _, op := range vendor.Operations() {
		switch op.Kind {
		case "create":
			creates++
			createOp = op
		case "poll":
			polls++
		case "download":
			downloads++
		}
	}
	if creates != 1 || downloads != 1 {
		t.Fatalf("expected one create and one download, got creates=%d downloads=%d", creates, downloads)
	}
	if polls != 3 {
		t.Fatalf("expected three polls, got %d", polls)
	}
	if createOp.Serial != "serial-1" {
		t.Fatalf("expected product serial on create, got %q", createOp.Serial)
	}
	if len(createOp.Parts) != 2 {
		t.Fatalf("expected two create parts, got %d", len(createOp.Parts))
	}
	// The vendor names its parts from its own perspective: the uploaded
	// source face travels as target_image, the scene as swap_image.
	if createOp.Parts[0].Field != "target_image" || !bytes.Equal(createOp.Parts[0].Body, pngPayload) {
		t.Fatalf("unexpected first create part %q", createOp.Parts[0].Field)
	}
	if createOp.Parts[0].Filename != "target.jpg" {
		t.Fatalf("unexpected first part filename %q", createOp.Parts[0].Filename)
	}
	if createOp.Parts[1].Field != "swap_image" || !bytes.Equal(createOp.Parts[1].Body, jpegPayload) {
		t.Fatalf("unexpected second create part %q", createOp.Parts[1].Field)
	}
	if createOp.Parts[1].Filename != "source.jpg" {
		t.Fatalf("unexpected second part filename %q", createOp.Parts[1].Filename)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staging dir to be empty after the request, found %d entries", len(entries))
	}

	events, active := recorder.SwapCounts()
	if events["start"] != 1 || events["success"] != 1 || events["failure"] != 0 {
		t.Fatalf("unexpected swap events %v", events)
	}
	if active != 0 {
		t.Fatalf("expected no active swaps after completion, got %d", active)
	}
	attempts, failures := recorder.VendorCounts()
	if attempts["create_job"] != 1 || attempts["get_job"] != 1 || attempts["download"] != 1 {
		t.Fatalf("unexpected vendor attempts %v", attempts)
	}
	for operation, count := range failures {
		if count != 0 {
			t.Fatalf("unexpected vendor failure %s=%d", operation, count)
		}
	}
	artifacts := recorder.ArtifactCounts()
	if artifacts["downloaded"] != 1 || artifacts["published"] != 1 || artifacts["removed"] != 1 {
		t.Fatalf("unexpected artifact events %v", artifacts)
	}
}

func TestFaceSwapVendorFailures(t *testing.T) {
	cases := []struct {
		name      string
		opts      beartstub.Options
		attempts  int
		wantPolls int
	}{
		{
			name: "create endpoint down",
			opts: beartstub.Options{FailCreates: 1},
		},
		{
			name: "create vendor code",
			opts: beartstub.Options{CreateCode: 300104},
		},
		{
			name:      "poll never completes",
			opts:      beartstub.Options{PollCodes: []int{300001}},
			attempts:  3,
			wantPolls: 3,
		},
		{
			name:      "poll endpoint down",
			opts:      beartstub.Options{FailPolls: 1},
			wantPolls: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vendor := beartstub.Start(tc.opts)
			defer vendor.Close()

			attempts := tc.attempts
			if attempts == 0 {
				attempts = 2
			}
			client, err := beart.NewClient(beart.Config{
				BaseURL:       vendor.BaseURL(),
				ProductSerial: "serial-1",
				PollAttempts:  attempts,
				PollInterval:  time.Millisecond,
				Logger:        quietLogger(),
			})
			if err != nil {
				t.Fatalf("new vendor client: %v", err)
			}

			dir := t.TempDir()
			recorder := metrics.New()
			handler := &Handler{
				Swapper:   client,
				Artifacts: &artifact.Store{Dir: dir, Logger: quietLogger()},
				Publisher: &fakePublisher{url: "https://bucket.example/out.jpg"},
				Logger:    quietLogger(),
				Metrics:   recorder,
			}

			req := newSwapRequest(t, []uploadPart{
				{field: partSourceImage, filename: "a.jpg", payload: jpegPayload},
				{field: partTargetImage, filename: "b.jpg", payload: jpegPayload},
			})
			rec := httptest.NewRecorder()
			handler.FaceSwap(rec, req)

			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("expected status 500, got %d: %s", rec.Code, rec.Body.String())
			}
			if msg := decodeErrorBody(t, rec.Body); msg == "" {
				t.Fatal("expected an error message in the response body")
			}

			polls := 0
			for _, op := range vendor.Operations() {
				if op.Kind == "poll" {
					polls++
				}
			}
			if polls != tc.wantPolls {
				t.Fatalf("expected %d polls, got %d", tc.wantPolls, polls)
			}

			entries, err := os.ReadDir(dir)
			if err != nil {
				t.Fatalf("read staging dir: %v", err)
			}
			if len(entries) != 0 {
				t.Fatalf("expected staging dir to be empty after a failure, found %d entries", len(entries))
			}

			events, active := recorder.SwapCounts()
			if events["failure"] != 1 || events["success"] != 0 {
				t.Fatalf("unexpected swap events %v", events)
			}
			if active != 0 {
				t.Fatalf("expected no active swaps after a failure, got %d", active)
			}
		})
	}
}

func TestFaceSwapUnconfirmedUpload(t *testing.T) {
	vendor := beartstub.Start(beartstub.Options{})
	defer vendor.Close()
	bucket := cosstub.Start(cosstub.Options{SuppressETag: true})
	defer bucket.Close()

	client, err := beart.NewClient(beart.Config{
		BaseURL:       vendor.BaseURL(),
		ProductSerial: "serial-1",
		PollInterval:  time.Millisecond,
		Logger:        quietLogger(),
	})
	if err != nil {
		t.Fatalf("new vendor client: %v", err)
	}
	publisher, err := newTestPublisher(cosConfigForTest(bucket.URL()))
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	dir := t.TempDir()
	handler := &Handler{
		Swapper:   client,
		Artifacts: &artifact.Store{Dir: dir, Logger: quietLogger()},
		Publisher: publisher,
		Logger:    quietLogger(),
		Metrics:   metrics.New(),
	}

	req := newSwapRequest(t, []uploadPart{
		{field: partSourceImage, filename: "a.jpg", payload: jpegPayload},
		{field: partTargetImage, filename: "b.jpg", payload: jpegPayload},
	})
	rec := httptest.NewRecorder()
	handler.FaceSwap(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d: %s", rec.Code, rec.Body.String())
	}
	if msg := decodeErrorBody(t, rec.Body); !strings.Contains(msg, "not confirmed") {
		t.Fatalf("expected unconfirmed upload error, got %q", msg)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read staging dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected staging dir to be empty after a failure, found %d entries", len(entries))
	}
}

func TestHealth(t *testing.T) {
	t.Run("all components healthy", func(t *testing.T) {
		handler := &Handler{
			Swapper:   &fakeSwapClient{},
			Artifacts: &artifact.Store{Dir: t.TempDir()},
			Publisher: &fakePublisher{url: "https://bucket.example/out.jpg"},
			Logger:    quietLogger(),
			Metrics:   metrics.New(),
		}

		rec := httptest.NewRecorder()
		handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		var payload struct {
			Status     string            `json:"status"`
			Components []componentStatus `json:"components"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode health payload: %v", err)
		}
		if payload.Status != "ok" {
			t.Fatalf("expected ok status, got %q", payload.Status)
		}
		if len(payload.Components) != 3 {
			t.Fatalf("expected three components, got %d", len(payload.Components))
		}
		for _, component := range payload.Components {
			if component.Status != "ok" {
				t.Fatalf("component %s reported %q: %s", component.Component, component.Status, component.Error)
			}
		}
	})

	t.Run("missing publisher degrades", func(t *testing.T) {
		handler := &Handler{
			Swapper:   &fakeSwapClient{},
			Artifacts: &artifact.Store{Dir: t.TempDir()},
			Logger:    quietLogger(),
			Metrics:   metrics.New(),
		}

		rec := httptest.NewRecorder()
		handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rec.Code)
		}
		var payload struct {
			Status     string            `json:"status"`
			Components []componentStatus `json:"components"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("decode health payload: %v", err)
		}
		if payload.Status != "degraded" {
			t.Fatalf("expected degraded status, got %q", payload.Status)
		}
		found := false
		for _, component := range payload.Components {
			if component.Component == "storage" {
				found = true
				if component.Status != "degraded" || component.Error == "" {
					t.Fatalf("expected degraded storage component, got %+v", component)
				}
			}
		}
		if !found {
			t.Fatal("expected a storage component in the health payload")
		}
	})
}
