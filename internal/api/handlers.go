package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/getsentry/sentry-go"

	"beart-relay/internal/artifact"
	"beart-relay/internal/auth"
	"beart-relay/internal/imagefmt"
	"beart-relay/internal/observability/logging"
	"beart-relay/internal/observability/metrics"
)

// Multipart part names accepted by the face-swap endpoint.
const (
	partSourceImage = "source_image"
	partTargetImage = "target_image"
)

// DefaultMaxUploadBytes caps the request body when the handler is not
// configured otherwise.
const DefaultMaxUploadBytes = 20 << 20

var errUnsupportedImage = errors.New("unsupported image format")

// SwapClient is the vendor surface the handler drives.
type SwapClient interface {
	CreateJob(ctx context.Context, source, target []byte) (string, error)
	PollJob(ctx context.Context, jobID string) (string, error)
}

// Publisher pushes a staged artifact to remote storage and returns its public
// URL.
type Publisher interface {
	Publish(ctx context.Context, path, key, contentType string) (string, error)
}

type Handler struct {
	Tokens    *auth.Verifier
	Swapper   SwapClient
	Artifacts *artifact.Store
	Publisher Publisher

	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	MaxUploadBytes int64
}

func NewHandler(tokens *auth.Verifier, swapper SwapClient, artifacts *artifact.Store, publisher Publisher) *Handler {
	return &Handler{
		Tokens:    tokens,
		Swapper:   swapper,
		Artifacts: artifacts,
		Publisher: publisher,
	}
}

type swapOutcome struct {
	Success     bool   `json:"success"`
	ImageURL    string `json:"image_url"`
	OriginalURL string `json:"original_url"`
}

// FaceSwap handles POST /beartAI/face-swap. Both image parts are read fully
// into memory and sniffed before the vendor sees any bytes; the pipeline then
// runs create, poll, download, publish, cleanup in order.
func (h *Handler) FaceSwap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	logger := h.requestLogger(r.Context())
	recorder := h.recorder()

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes())
	source, target, err := readSwapImages(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	for _, image := range []struct {
		name string
		data []byte
	}{
		{name: partSourceImage, data: source},
		{name: partTargetImage, data: target},
	} {
		if _, ok := imagefmt.Detect(image.data); !ok {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %s", errUnsupportedImage, image.name))
			return
		}
	}

	recorder.SwapStarted()
	outcome, err := h.runSwap(r.Context(), logger, source, target)
	if err != nil {
		recorder.SwapFailed()
		logger.Error("face swap failed", "error", err)
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	recorder.SwapSucceeded()
	writeJSON(w, http.StatusOK, outcome)
}

// runSwap drives the vendor job and artifact hand-off for one validated pair
// of images. The staged artifact is removed before returning on every path.
func (h *Handler) runSwap(ctx context.Context, logger *slog.Logger, source, target []byte) (swapOutcome, error) {
	recorder := h.recorder()

	recorder.ObserveVendorAttempt("create_job")
	jobID, err := h.Swapper.CreateJob(ctx, source, target)
	if err != nil {
		recorder.ObserveVendorFailure("create_job")
		return swapOutcome{}, err
	}
	ctx = logging.ContextWithJobID(ctx, jobID)
	logger = logger.With("job_id", jobID)
	logger.Info("face swap job created")

	recorder.ObserveVendorAttempt("get_job")
	resultURL, err := h.Swapper.PollJob(ctx, jobID)
	if err != nil {
		recorder.ObserveVendorFailure("get_job")
		return swapOutcome{}, err
	}

	recorder.ObserveVendorAttempt("download")
	filename, path, err := h.Artifacts.Download(ctx, resultURL)
	if err != nil {
		recorder.ObserveVendorFailure("download")
		return swapOutcome{}, err
	}
	defer func() {
		if removeErr := h.Artifacts.Remove(path); removeErr != nil {
			logger.Warn("artifact cleanup failed", "path", path, "error", removeErr)
			return
		}
		recorder.ObserveArtifactEvent("removed")
	}()
	recorder.ObserveArtifactEvent("downloaded")

	publicURL, err := h.Publisher.Publish(ctx, path, filename, "image/jpeg")
	if err != nil {
		return swapOutcome{}, err
	}
	recorder.ObserveArtifactEvent("published")
	logger.Info("face swap completed", "image_url", publicURL)

	return swapOutcome{Success: true, ImageURL: publicURL, OriginalURL: resultURL}, nil
}

// readSwapImages drains the multipart stream and returns the two image
// buffers. Unknown parts are skipped; duplicate image parts keep the first
// occurrence.
func readSwapImages(r *http.Request) (source, target []byte, err error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid multipart payload")
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read multipart data: %w", err)
		}
		name := part.FormName()
		if name != partSourceImage && name != partTargetImage {
			_ = part.Close()
			continue
		}
		if (name == partSourceImage && source != nil) || (name == partTargetImage && target != nil) {
			_ = part.Close()
			continue
		}
		payload, readErr := io.ReadAll(part)
		_ = part.Close()
		if readErr != nil {
			return nil, nil, fmt.Errorf("read form part %s: %w", name, readErr)
		}
		if name == partSourceImage {
			source = payload
		} else {
			target = payload
		}
	}
	if len(source) == 0 {
		return nil, nil, fmt.Errorf("form part %s is required", partSourceImage)
	}
	if len(target) == 0 {
		return nil, nil, fmt.Errorf("form part %s is required", partTargetImage)
	}
	return source, target, nil
}

// Health reports liveness plus a per-dependency readiness breakdown.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	components, status, statusCode := h.componentHealth()
	for _, check := range components {
		metrics.SetDependencyHealth(check.Component, check.Status)
	}
	payload := map[string]interface{}{
		"status":     status,
		"components": components,
	}
	writeJSON(w, statusCode, payload)
}

func (h *Handler) requestLogger(ctx context.Context) *slog.Logger {
	if logger := logging.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h *Handler) recorder() *metrics.Recorder {
	if h.Metrics != nil {
		return h.Metrics
	}
	return metrics.Default()
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}
